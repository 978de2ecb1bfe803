package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/config"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
)

// 以下测试只覆盖不访问数据库和消息队列的路径
func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	cfg := &config.Config{}
	cfg.JWT.Secret = "test-secret"
	cfg.Optimizer.DataDir = "/srv/data"
	cfg.Optimizer.MaxPopulation = 100
	cfg.Optimizer.MaxGenerations = 50
	cfg.Optimizer.Workers = 2

	h, err := NewHandler(cfg, nil, nil, nil)
	require.NoError(t, err)
	h.RegisterRoutes()
	return h
}

func token(t *testing.T, h *Handler, role domain.Role) string {
	t.Helper()

	ss, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AuthClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Subject:   "7",
		},
	}).SignedString([]byte(h.config.JWT.Secret))
	require.NoError(t, err)
	return ss
}

func do(t *testing.T, h *Handler, method, path, body, tok string) (int, Response) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tok != "" {
		req.AddCookie(&http.Cookie{Name: tokenCookieName, Value: tok})
	}
	rec := httptest.NewRecorder()
	h.Mux.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestAuthRequired(t *testing.T) {
	h := newTestHandler(t)

	_, resp := do(t, h, http.MethodGet, "/runs", "", "")
	assert.False(t, resp.Success)
	assert.Equal(t, "用户未登录", resp.Message)

	_, resp = do(t, h, http.MethodGet, "/runs", "", "not-a-token")
	assert.False(t, resp.Success)
	assert.Equal(t, "无效的令牌", resp.Message)
}

func TestObserverCannotCreateRun(t *testing.T) {
	h := newTestHandler(t)

	_, resp := do(t, h, http.MethodPost, "/runs", `{"kind":"rescue"}`, token(t, h, domain.RoleObserver))
	assert.False(t, resp.Success)
	assert.Equal(t, "权限不足", resp.Message)
}

func TestCreateRunRejectsInvalidBody(t *testing.T) {
	h := newTestHandler(t)
	tok := token(t, h, domain.RoleOperator)

	cases := map[string]struct {
		body string
		want string
	}{
		"未知任务类型": {`{"kind":"clustering"}`, "rescue tuning campaign"},
		"种群过大":   {`{"kind":"rescue","evolution":{"populationSize":101},"rescue":{"scenarioFile":"grid.yaml"}}`, "种群大小不能超过 100"},
		"代数过多":   {`{"kind":"rescue","evolution":{"generations":51},"rescue":{"scenarioFile":"grid.yaml"}}`, "迭代代数不能超过 50"},
		"跳出数据目录": {`{"kind":"rescue","rescue":{"scenarioFile":"../grid.yaml"}}`, config.ErrPathOutsideDataDir.Error()},
		"算法与任务不匹配": {`{"kind":"tuning","tuning":{"dataset":{"path":"a.csv","target":"y"},"algorithm":"knn_regressor","evaluation":{"method":"classification","criterion":"accuracy"}}}`, "knn_regressor"},
		"无效的 JSON": {`{"kind":`, ""},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			code, resp := do(t, h, http.MethodPost, "/runs", c.body, tok)
			assert.Equal(t, http.StatusOK, code)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Message, c.want)
		})
	}
}

func TestGetAllRunsRejectsUnknownFilter(t *testing.T) {
	h := newTestHandler(t)

	_, resp := do(t, h, http.MethodGet, "/runs?status=paused", "", token(t, h, domain.RoleObserver))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "queued running finished failed")
}

func TestGetAllAlgorithms(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/algorithms", nil)
	req.AddCookie(&http.Cookie{Name: tokenCookieName, Value: token(t, h, domain.RoleObserver)})
	rec := httptest.NewRecorder()
	h.Mux.ServeHTTP(rec, req)

	var resp struct {
		Success bool            `json:"success"`
		Data    []algorithmInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Len(t, resp.Data, 8)
	assert.Equal(t, "decision_tree_classifier", resp.Data[0].Name)
	assert.Equal(t, "classification", resp.Data[0].Task)
	assert.Contains(t, resp.Data[0].Domain, "max_depth")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
