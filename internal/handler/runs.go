package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/config"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/progress"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/tuning"
)

type algorithmInfo struct {
	Name   string        `json:"name"`
	Task   string        `json:"task"`
	Domain tuning.Domain `json:"domain"`
}

func (h *Handler) GetAllAlgorithms(w http.ResponseWriter, r *http.Request) {
	names := tuning.Algorithms()
	algorithms := make([]algorithmInfo, 0, len(names))
	for _, name := range names {
		alg, err := tuning.Lookup(name)
		if err != nil {
			h.internalServerError(w, r, err)
			return
		}
		algorithms = append(algorithms, algorithmInfo{
			Name:   alg.Name(),
			Task:   string(alg.Task()),
			Domain: alg.Domain(),
		})
	}

	h.successResponse(w, r, "获取算法列表成功", algorithms)
}

func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	// 请求体与命令行使用的任务文件结构相同，未提交的遗传算法参数取默认值
	f := config.NewRunFile()
	if err := h.readJSON(r, f); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := f.Validate(h.validate); err != nil {
		h.badRequest(w, r, err)
		return
	}

	limits := h.config.Optimizer
	if f.Evolution.PopulationSize > limits.MaxPopulation {
		h.errorResponse(w, r, fmt.Sprintf("种群大小不能超过 %d", limits.MaxPopulation))
		return
	}
	if f.Evolution.Generations > limits.MaxGenerations {
		h.errorResponse(w, r, fmt.Sprintf("迭代代数不能超过 %d", limits.MaxGenerations))
		return
	}
	f.Evolution.Workers = min(f.Evolution.Workers, limits.Workers)

	// 任务引用的文件只能位于数据目录中
	if err := f.ResolveInDataDir(limits.DataDir); err != nil {
		h.errorResponse(w, r, err.Error())
		return
	}

	creator, err := subject(r)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	runConfig, err := json.Marshal(f)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	run := &domain.Run{
		Kind:      f.Kind,
		Config:    runConfig,
		CreatedBy: creator,
	}
	if err := h.repository.CreateRun(run); err != nil {
		h.internalServerError(w, r, err)
		return
	}

	// 任务交给 worker 异步执行
	if err := h.publisher.PublishJSON(r.Context(), h.config.RabbitMQ.JobQueue, domain.JobMessage{RunID: run.ID, Kind: run.Kind}); err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "任务已提交", run)
}

func (h *Handler) GetAllRuns(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Kind   string `validate:"omitempty,oneof=rescue tuning campaign"`
		Status string `validate:"omitempty,oneof=queued running finished failed"`
	}{
		Kind:   r.URL.Query().Get("kind"),
		Status: r.URL.Query().Get("status"),
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	runs, err := h.repository.GetAllRuns(domain.RunKind(req.Kind), domain.RunStatus(req.Status))
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取任务列表成功", runs)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run := r.Context().Value(RunCtx).(*domain.Run)
	h.successResponse(w, r, "获取任务成功", run)
}

func (h *Handler) GetRunGenerations(w http.ResponseWriter, r *http.Request) {
	run := r.Context().Value(RunCtx).(*domain.Run)

	stats, err := h.repository.GetRunGenerations(run.ID)
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取迭代记录成功", stats)
}

func (h *Handler) GetRunProgress(w http.ResponseWriter, r *http.Request) {
	run := r.Context().Value(RunCtx).(*domain.Run)

	p, err := h.tracker.Get(r.Context(), run.ID)
	if err != nil {
		switch {
		case errors.Is(err, progress.ErrNoProgress):
			h.errorResponse(w, r, err.Error())
		default:
			h.internalServerError(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "获取任务进度成功", p)
}
