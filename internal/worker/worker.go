// Package worker 从任务队列中取出优化任务并执行，执行过程写入数据库和 redis
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/config"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/metrics"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/runner"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/tuning"
)

// Store 是 worker 需要的持久化操作，由 repository.Repository 实现
type Store interface {
	GetRunByID(id int64) (*domain.Run, error)
	StartRun(run *domain.Run) error
	InsertGenerationStat(stat *domain.GenerationStat) error
	FinishRun(run *domain.Run, history []*domain.GenerationStat) error
	GetUserByID(id int64) (*domain.User, error)
}

type ProgressTracker interface {
	Update(ctx context.Context, p *domain.Progress) error
}

type Publisher interface {
	PublishJSON(ctx context.Context, queue string, v any) error
}

type Worker struct {
	store     Store
	tracker   ProgressTracker
	publisher Publisher
	mailQueue string
	logger    *slog.Logger

	// exec 执行任务配置，测试中可以替换
	exec func(ctx context.Context, run *domain.Run, logger *slog.Logger) (*runner.Report, error)
}

func New(store Store, tracker ProgressTracker, publisher Publisher, mailQueue string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		store:     store,
		tracker:   tracker,
		publisher: publisher,
		mailQueue: mailQueue,
		logger:    logger,
	}
	w.exec = w.execute
	return w
}

// Handle 执行一条任务消息。任务不存在或已被其他 worker 领取时直接返回 nil，
// 只有无法写入任务状态时才返回错误
func (w *Worker) Handle(ctx context.Context, msg domain.JobMessage) error {
	logger := w.logger.With(slog.Int64("runID", msg.RunID), slog.String("kind", string(msg.Kind)))

	run, err := w.store.GetRunByID(msg.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logger.Warn("任务不存在，忽略该消息")
			return nil
		}
		return err
	}

	if err := w.store.StartRun(run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			logger.Warn("任务已经开始执行，忽略重复的消息")
			return nil
		}
		return err
	}

	metrics.RunsStarted.WithLabelValues(string(run.Kind)).Inc()
	logger.Info("开始执行任务")

	report, runErr := w.exec(ctx, run, logger)
	if runErr == nil {
		runErr = settle(run, report)
	}
	if runErr != nil {
		run.Status = domain.RunStatusFailed
		run.Error = runErr.Error()
		logger.Error("任务执行失败", slog.String("error", runErr.Error()))
	}

	if err := w.store.FinishRun(run, history(run.ID, report)); err != nil {
		return err
	}

	metrics.RunsFinished.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	logger.Info("任务已结束", slog.String("status", string(run.Status)))

	w.notify(ctx, run, logger)
	return nil
}

// settle 把执行结果写入任务，结果无法序列化时任务按失败处理
func settle(run *domain.Run, report *runner.Report) error {
	result, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化任务结果失败: %w", err)
	}

	run.Status = domain.RunStatusFinished
	run.Result = result
	if report.Found {
		best := report.BestScore
		run.BestScore = &best
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, run *domain.Run, logger *slog.Logger) (*runner.Report, error) {
	f := config.NewRunFile()
	if err := json.Unmarshal(run.Config, f); err != nil {
		return nil, fmt.Errorf("解析任务配置失败: %w", err)
	}

	return runner.New(logger).
		OnGeneration(func(ctx context.Context, stats evolution.GenerationStats) error {
			stat := generationStat(run.ID, stats)
			// 写入失败不影响任务，结束时会补全所有代的统计信息
			if err := w.store.InsertGenerationStat(stat); err != nil {
				logger.Warn("无法保存迭代记录", slog.Int("generation", stats.Generation), slog.String("error", err.Error()))
			}
			w.report(ctx, &domain.Progress{
				RunID:      run.ID,
				Generation: stats.Generation,
				Of:         f.Evolution.Generations,
				Best:       stats.Best,
				Mean:       stats.Mean,
			}, logger)
			return nil
		}).
		OnCampaignResult(func(ctx context.Context, index, total int, result tuning.CampaignResult) error {
			w.report(ctx, &domain.Progress{
				RunID:      run.ID,
				Generation: index,
				Of:         total,
				Best:       result.BestScore,
			}, logger)
			return nil
		}).
		Run(ctx, f)
}

func (w *Worker) report(ctx context.Context, p *domain.Progress, logger *slog.Logger) {
	if err := w.tracker.Update(ctx, p); err != nil {
		logger.Warn("无法更新任务进度", slog.String("error", err.Error()))
	}
}

// notify 通过邮件通知任务的提交者，失败时只记录日志
func (w *Worker) notify(ctx context.Context, run *domain.Run, logger *slog.Logger) {
	creator, err := w.store.GetUserByID(run.CreatedBy)
	if err != nil {
		logger.Warn("无法获取任务提交者", slog.String("error", err.Error()))
		return
	}

	mailMessage := domain.MailMessage{
		Type: domain.MailTypeRunFinished,
		To:   creator.Email,
		Data: domain.RunFinishedMailData{
			FullName:  creator.FullName,
			RunID:     run.ID,
			Kind:      run.Kind,
			Status:    run.Status,
			BestScore: run.BestScore,
			Error:     run.Error,
		},
	}
	if err := w.publisher.PublishJSON(ctx, w.mailQueue, mailMessage); err != nil {
		logger.Warn("无法发送任务结束邮件", slog.String("error", err.Error()))
	}
}

func generationStat(runID int64, stats evolution.GenerationStats) *domain.GenerationStat {
	return &domain.GenerationStat{
		RunID:      runID,
		Generation: stats.Generation,
		Best:       stats.Best,
		Mean:       stats.Mean,
		StdDev:     stats.StdDev,
		Failed:     stats.Failed,
	}
}

func history(runID int64, report *runner.Report) []*domain.GenerationStat {
	if report == nil {
		return nil
	}
	stats := make([]*domain.GenerationStat, 0, len(report.History))
	for _, s := range report.History {
		stats = append(stats, generationStat(runID, s))
	}
	return stats
}
