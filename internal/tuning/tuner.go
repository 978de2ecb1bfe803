package tuning

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/dataset"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
)

type Config struct {
	Algorithm  string               `json:"algorithm" yaml:"algorithm" validate:"required"`
	Evaluation EvaluatorConfig      `json:"evaluation" yaml:"evaluation"`
	Evolution  evolution.Parameters `json:"evolution" yaml:"evolution"`
}

// NewOptimizer 组装一次超参数调优所需的繁殖器、评估器和遗传算法引擎
func NewOptimizer(data *dataset.Dataset, cfg Config, logger *slog.Logger) (*evolution.Optimizer[*Model], error) {
	alg, err := Lookup(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if alg.Task() != cfg.Evaluation.Method.Task() {
		return nil, fmt.Errorf("%w: 算法 %s 不能用于 %s", ErrIncompatible, alg.Name(), cfg.Evaluation.Method)
	}

	evaluator, err := NewEvaluator(data, cfg.Evaluation, logger)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Evolution.Seed))
	engine, err := evolution.NewEngine[*Model](cfg.Evolution, NewBreeder(alg, cfg.Evolution.Seed), rng)
	if err != nil {
		return nil, err
	}

	return evolution.NewOptimizer(engine, evaluator, logger), nil
}

// CampaignSeeds 返回批量实验使用的随机种子：123456789 的 1 到 n 倍
func CampaignSeeds(n int) []int64 {
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = int64(i+1) * 123456789
	}
	return seeds
}

// Campaign 描述一组批量实验：每个种子、每个算法、留出法与交叉验证、每个指标各运行一次
// Evaluation 中的 Method、Criterion、CrossValidation 和 Seed 会被每次运行覆盖
type Campaign struct {
	Algorithms []string
	Method     Method
	Criteria   []Criterion
	Seeds      []int64
	Evaluation EvaluatorConfig
	Evolution  evolution.Parameters
}

// CampaignResult 是批量实验中一次运行的汇总
type CampaignResult struct {
	Algorithm       string     `json:"algorithm"`
	Seed            int64      `json:"seed"`
	Criterion       Criterion  `json:"criterion"`
	CrossValidation bool       `json:"crossValidation"`
	Folds           int        `json:"folds"`
	BestScore       float64    `json:"bestScore"`
	Metrics         Metrics    `json:"metrics"`
	Parameters      Parameters `json:"parameters"`
}

// RunCampaign 依次运行批量实验中的每一次调优，onResult 在每次运行结束后被调用，可用于保存中间结果
func RunCampaign(ctx context.Context, data *dataset.Dataset, c Campaign, logger *slog.Logger, onResult func(CampaignResult) error) ([]CampaignResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]CampaignResult, 0)
	for _, seed := range c.Seeds {
		for _, algorithm := range c.Algorithms {
			for _, crossValidation := range []bool{true, false} {
				for _, criterion := range c.Criteria {
					cfg := Config{
						Algorithm:  algorithm,
						Evaluation: c.Evaluation,
						Evolution:  c.Evolution,
					}
					cfg.Evaluation.Method = c.Method
					cfg.Evaluation.Criterion = criterion
					cfg.Evaluation.CrossValidation = crossValidation
					cfg.Evaluation.Seed = seed
					cfg.Evolution.Seed = seed

					logger.Info("开始调优",
						"algorithm", algorithm,
						"seed", seed,
						"criterion", criterion,
						"crossValidation", crossValidation,
					)

					opt, err := NewOptimizer(data, cfg, logger)
					if err != nil {
						return results, err
					}
					res, err := opt.Run(ctx)
					if err != nil {
						return results, err
					}

					r := CampaignResult{
						Algorithm:       algorithm,
						Seed:            seed,
						Criterion:       criterion,
						CrossValidation: crossValidation,
						BestScore:       res.BestScore,
					}
					if crossValidation {
						r.Folds = cfg.Evaluation.Folds
						if r.Folds == 0 {
							r.Folds = DefaultEvaluatorConfig().Folds
						}
					}
					if res.Found {
						r.Metrics = res.Best.Metrics
						r.Parameters = res.Best.Parameters
					}

					results = append(results, r)
					if onResult != nil {
						if err := onResult(r); err != nil {
							return results, err
						}
					}
				}
			}
		}
	}

	return results, nil
}

var summaryMetrics = []Criterion{
	CriterionAccuracy,
	CriterionPrecision,
	CriterionRecall,
	CriterionF1,
	CriterionConfusionGap,
	CriterionR2,
	CriterionMAE,
}

// WriteSummary 把批量实验的结果写成 CSV，缺失的指标留空，最优参数以 JSON 写入最后一列
func WriteSummary(w io.Writer, results []CampaignResult) error {
	writer := csv.NewWriter(w)

	header := []string{"algorithm", "seed", "criterion", "best_score", "cross_validation", "folds"}
	for _, m := range summaryMetrics {
		header = append(header, string(m))
	}
	header = append(header, "best_params")
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		params, err := json.Marshal(r.Parameters)
		if err != nil {
			return err
		}

		record := []string{
			r.Algorithm,
			strconv.FormatInt(r.Seed, 10),
			string(r.Criterion),
			strconv.FormatFloat(r.BestScore, 'f', -1, 64),
			strconv.FormatBool(r.CrossValidation),
			strconv.Itoa(r.Folds),
		}
		for _, m := range summaryMetrics {
			v, ok := r.Metrics[string(m)]
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(v, 'f', 6, 64))
		}
		record = append(record, string(params))

		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
