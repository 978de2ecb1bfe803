// Package runner 执行一次优化任务，命令行工具和 worker 共用
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/config"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/dataset"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/metrics"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/rescue"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/tuning"
)

// TopN 是报告中保留的最优个体数量
const TopN = 5

var ErrUnknownKind = errors.New("未知的任务类型")

// Report 是一次任务的结果，可以直接序列化为 JSON
type Report struct {
	Kind         domain.RunKind              `json:"kind"`
	Found        bool                        `json:"found"`
	BestScore    float64                     `json:"bestScore"`
	Best         any                         `json:"best"`
	Top          []any                       `json:"top"`
	History      []evolution.GenerationStats `json:"history"`
	MeanReported float64                     `json:"meanReported,omitempty"` // 调优任务最后一代种群按指标原始含义的平均值
	Campaign     []tuning.CampaignResult     `json:"campaign,omitempty"`
}

// GenerationHook 在每一代种群评估完成后调用，返回错误会终止任务
type GenerationHook func(ctx context.Context, stats evolution.GenerationStats) error

// CampaignHook 在批量实验的每一次调优结束后调用
type CampaignHook func(ctx context.Context, index, total int, result tuning.CampaignResult) error

type Runner struct {
	logger     *slog.Logger
	onGen      GenerationHook
	onCampaign CampaignHook
}

func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

func (r *Runner) OnGeneration(hook GenerationHook) *Runner {
	r.onGen = hook
	return r
}

func (r *Runner) OnCampaignResult(hook CampaignHook) *Runner {
	r.onCampaign = hook
	return r
}

func (r *Runner) Run(ctx context.Context, f *config.RunFile) (*Report, error) {
	switch f.Kind {
	case domain.RunKindRescue:
		return r.runRescue(ctx, f)
	case domain.RunKindTuning:
		return r.runTuning(ctx, f)
	case domain.RunKindCampaign:
		return r.runCampaign(ctx, f)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
}

func (r *Runner) runRescue(ctx context.Context, f *config.RunFile) (*Report, error) {
	s, err := scenario(f.Rescue)
	if err != nil {
		return nil, err
	}

	opt, err := rescue.NewOptimizer(s, f.Evolution, r.logger)
	if err != nil {
		return nil, err
	}
	opt.OnGeneration(observer[*rescue.Individual](r, f.Kind))

	res, err := opt.Run(ctx)
	if err != nil {
		return nil, err
	}

	return report(f.Kind, res), nil
}

func scenario(run *config.RescueRun) (rescue.Scenario, error) {
	if run.Scenario != nil {
		return *run.Scenario, nil
	}
	return config.LoadScenario(run.ScenarioFile)
}

func (r *Runner) runTuning(ctx context.Context, f *config.RunFile) (*Report, error) {
	data, err := loadDataset(f.Tuning.Dataset)
	if err != nil {
		return nil, err
	}

	opt, err := tuning.NewOptimizer(data, tuning.Config{
		Algorithm:  f.Tuning.Algorithm,
		Evaluation: f.Tuning.Evaluation,
		Evolution:  f.Evolution,
	}, r.logger)
	if err != nil {
		return nil, err
	}
	opt.OnGeneration(observer[*tuning.Model](r, f.Kind))

	res, err := opt.Run(ctx)
	if err != nil {
		return nil, err
	}

	rep := report(f.Kind, res)
	rep.MeanReported = tuning.MeanReported(res.Population, f.Tuning.Evaluation.Criterion)
	return rep, nil
}

func (r *Runner) runCampaign(ctx context.Context, f *config.RunFile) (*Report, error) {
	c := f.Campaign

	data, err := loadDataset(c.Dataset)
	if err != nil {
		return nil, err
	}

	campaign := tuning.Campaign{
		Algorithms: c.Algorithms,
		Method:     c.Method,
		Criteria:   c.Criteria,
		Seeds:      tuning.CampaignSeeds(c.Runs),
		Evaluation: tuning.EvaluatorConfig{
			Folds:        c.Folds,
			TestFraction: c.TestFraction,
			CVJobs:       c.CVJobs,
		},
		Evolution: f.Evolution,
	}
	// 每个种子、每个算法、两种评估方式、每个指标各一次
	total := len(campaign.Seeds) * len(campaign.Algorithms) * 2 * len(campaign.Criteria)

	done := 0
	results, err := tuning.RunCampaign(ctx, data, campaign, r.logger, func(result tuning.CampaignResult) error {
		done++
		r.logger.Info("已完成一次调优",
			slog.Int("index", done),
			slog.Int("of", total),
			slog.String("algorithm", result.Algorithm),
			slog.String("criterion", string(result.Criterion)),
			slog.Float64("bestScore", result.BestScore),
		)
		if r.onCampaign == nil {
			return nil
		}
		return r.onCampaign(ctx, done, total, result)
	})
	if err != nil {
		return nil, err
	}

	rep := &Report{Kind: f.Kind, BestScore: -math.MaxFloat64, Campaign: results}
	for _, result := range results {
		if result.Parameters != nil && result.BestScore > rep.BestScore {
			rep.Found = true
			rep.BestScore = result.BestScore
			rep.Best = result
		}
	}
	return rep, nil
}

func loadDataset(src config.DatasetSource) (*dataset.Dataset, error) {
	data, err := dataset.LoadFile(src.Path, dataset.LoadOptions{Target: src.Target, Drop: src.Drop})
	if err != nil {
		return nil, err
	}
	if src.Standardize {
		data = data.Standardize()
	}
	return data, nil
}

func observer[C evolution.Candidate[C]](r *Runner, kind domain.RunKind) evolution.Observer[C] {
	last := time.Now()
	return func(ctx context.Context, stats evolution.GenerationStats, _ []C) error {
		metrics.ObserveGeneration(string(kind), time.Since(last), stats.Best, stats.Failed)
		last = time.Now()

		if r.onGen == nil {
			return nil
		}
		return r.onGen(ctx, stats)
	}
}

func report[C evolution.Candidate[C]](kind domain.RunKind, res *evolution.Result[C]) *Report {
	rep := &Report{
		Kind:      kind,
		Found:     res.Found,
		BestScore: res.BestScore,
		History:   res.History,
		Top:       make([]any, 0, TopN),
	}
	if res.Found {
		rep.Best = res.Best
	}

	// 最后一代种群已按适应度排序，失败的个体排在最后
	for _, c := range res.Population {
		if len(rep.Top) == TopN {
			break
		}
		f := c.Fitness()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			break
		}
		rep.Top = append(rep.Top, c)
	}

	return rep
}
