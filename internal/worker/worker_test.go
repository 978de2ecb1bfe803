package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/config"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/rescue"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/runner"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/tuning"
)

type fakeStore struct {
	runs      map[int64]*domain.Run
	users     map[int64]*domain.User
	inserted  []*domain.GenerationStat
	history   []*domain.GenerationStat
	finished  int
	finishErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:  map[int64]*domain.Run{},
		users: map[int64]*domain.User{1: {ID: 1, FullName: "张伟", Email: "zhang@example.com"}},
	}
}

func (s *fakeStore) GetRunByID(id int64) (*domain.Run, error) {
	run, ok := s.runs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return run, nil
}

func (s *fakeStore) StartRun(run *domain.Run) error {
	if run.Status != domain.RunStatusQueued {
		return sql.ErrNoRows
	}
	run.Status = domain.RunStatusRunning
	run.Version++
	return nil
}

func (s *fakeStore) InsertGenerationStat(stat *domain.GenerationStat) error {
	s.inserted = append(s.inserted, stat)
	return nil
}

func (s *fakeStore) FinishRun(run *domain.Run, history []*domain.GenerationStat) error {
	if s.finishErr != nil {
		return s.finishErr
	}
	s.finished++
	s.history = history
	return nil
}

func (s *fakeStore) GetUserByID(id int64) (*domain.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

type fakeTracker struct {
	updates []domain.Progress
}

func (t *fakeTracker) Update(_ context.Context, p *domain.Progress) error {
	t.updates = append(t.updates, *p)
	return nil
}

type published struct {
	queue string
	msg   domain.MailMessage
}

type fakePublisher struct {
	messages []published
}

func (p *fakePublisher) PublishJSON(_ context.Context, queue string, v any) error {
	p.messages = append(p.messages, published{queue: queue, msg: v.(domain.MailMessage)})
	return nil
}

func queueRun(t *testing.T, store *fakeStore, id int64, f *config.RunFile) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	store.runs[id] = &domain.Run{ID: id, Kind: f.Kind, Status: domain.RunStatusQueued, Config: data, CreatedBy: 1}
}

func rescueRunFile(t *testing.T) *config.RunFile {
	t.Helper()
	s, err := rescue.GenerateGridScenario(rescue.GridOptions{Width: 4, Height: 4, Victims: 3, TimeBudget: 50}, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	f := config.NewRunFile()
	f.Kind = domain.RunKindRescue
	f.Evolution.PopulationSize = 6
	f.Evolution.Generations = 3
	f.Rescue = &config.RescueRun{Scenario: &s}
	return f
}

func newTestWorker() (*Worker, *fakeStore, *fakeTracker, *fakePublisher) {
	store := newFakeStore()
	tracker := &fakeTracker{}
	publisher := &fakePublisher{}
	return New(store, tracker, publisher, "email_queue", nil), store, tracker, publisher
}

func TestHandleFinishesRun(t *testing.T) {
	w, store, tracker, publisher := newTestWorker()
	queueRun(t, store, 10, rescueRunFile(t))

	require.NoError(t, w.Handle(context.Background(), domain.JobMessage{RunID: 10, Kind: domain.RunKindRescue}))

	run := store.runs[10]
	assert.Equal(t, domain.RunStatusFinished, run.Status)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.BestScore)

	var report runner.Report
	require.NoError(t, json.Unmarshal(run.Result, &report))
	assert.Equal(t, domain.RunKindRescue, report.Kind)
	assert.Equal(t, *run.BestScore, report.BestScore)

	assert.Len(t, store.inserted, 3)
	require.Len(t, store.history, 3)
	assert.Equal(t, 3, store.history[2].Generation)
	assert.Equal(t, int64(10), store.history[0].RunID)

	require.Len(t, tracker.updates, 3)
	assert.Equal(t, 3, tracker.updates[0].Of)
	assert.Equal(t, 1, tracker.updates[0].Generation)

	require.Len(t, publisher.messages, 1)
	assert.Equal(t, "email_queue", publisher.messages[0].queue)
	assert.Equal(t, domain.MailTypeRunFinished, publisher.messages[0].msg.Type)
	assert.Equal(t, "zhang@example.com", publisher.messages[0].msg.To)
}

func TestHandleRecordsFailure(t *testing.T) {
	w, store, _, publisher := newTestWorker()

	f := config.NewRunFile()
	f.Kind = domain.RunKindTuning
	f.Tuning = &config.TuningRun{
		Dataset:    config.DatasetSource{Path: filepath.Join(t.TempDir(), "missing.csv"), Target: "y"},
		Algorithm:  tuning.KNNClassifier,
		Evaluation: tuning.DefaultEvaluatorConfig(),
	}
	queueRun(t, store, 11, f)

	require.NoError(t, w.Handle(context.Background(), domain.JobMessage{RunID: 11, Kind: domain.RunKindTuning}))

	run := store.runs[11]
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
	assert.Nil(t, run.BestScore)
	assert.Nil(t, run.Result)
	assert.Empty(t, store.history)

	require.Len(t, publisher.messages, 1)
	data := publisher.messages[0].msg.Data.(domain.RunFinishedMailData)
	assert.Equal(t, domain.RunStatusFailed, data.Status)
	assert.Equal(t, run.Error, data.Error)
}

func TestHandleIgnoresDuplicateAndMissingRuns(t *testing.T) {
	w, store, _, publisher := newTestWorker()
	queueRun(t, store, 12, rescueRunFile(t))
	store.runs[12].Status = domain.RunStatusRunning

	assert.NoError(t, w.Handle(context.Background(), domain.JobMessage{RunID: 12}))
	assert.NoError(t, w.Handle(context.Background(), domain.JobMessage{RunID: 99}))

	assert.Zero(t, store.finished)
	assert.Empty(t, publisher.messages)
}

func TestHandleReturnsStoreErrors(t *testing.T) {
	w, store, _, publisher := newTestWorker()
	queueRun(t, store, 13, rescueRunFile(t))
	store.finishErr = errors.New("connection reset")

	err := w.Handle(context.Background(), domain.JobMessage{RunID: 13})
	assert.ErrorIs(t, err, store.finishErr)
	assert.Empty(t, publisher.messages)
}

func TestHandleFailsRunWithUnencodableReport(t *testing.T) {
	w, store, _, publisher := newTestWorker()
	queueRun(t, store, 12, rescueRunFile(t))
	w.exec = func(context.Context, *domain.Run, *slog.Logger) (*runner.Report, error) {
		return &runner.Report{
			Kind:      domain.RunKindRescue,
			Found:     true,
			BestScore: math.NaN(),
			History:   []evolution.GenerationStats{{Generation: 1, Best: 3, Mean: 2}},
		}, nil
	}

	require.NoError(t, w.Handle(context.Background(), domain.JobMessage{RunID: 12, Kind: domain.RunKindRescue}))

	run := store.runs[12]
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "序列化任务结果失败")
	assert.Nil(t, run.Result)
	assert.Nil(t, run.BestScore)

	assert.Equal(t, 1, store.finished)
	assert.Len(t, store.history, 1)

	require.Len(t, publisher.messages, 1)
	data := publisher.messages[0].msg.Data.(domain.RunFinishedMailData)
	assert.Equal(t, domain.RunStatusFailed, data.Status)
}
