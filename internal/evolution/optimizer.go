package evolution

import (
	"context"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Observer 在每一代评估并排序之后被调用，ranked 已按适应度降序排列。
// 返回错误会中止优化
type Observer[C any] func(ctx context.Context, stats GenerationStats, ranked []C) error

type Optimizer[C Candidate[C]] struct {
	engine    *Engine[C]
	evaluator Evaluator[C]
	observer  Observer[C]
	logger    *slog.Logger
}

func NewOptimizer[C Candidate[C]](engine *Engine[C], evaluator Evaluator[C], logger *slog.Logger) *Optimizer[C] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Optimizer[C]{
		engine:    engine,
		evaluator: evaluator,
		logger:    logger,
	}
}

func (o *Optimizer[C]) OnGeneration(observer Observer[C]) {
	o.observer = observer
}

// Run 执行完整的进化流程：生成初始种群，之后每一代依次评估、排序、记录最优个体、进化（最后一代不进化）
func (o *Optimizer[C]) Run(ctx context.Context) (*Result[C], error) {
	params := o.engine.Parameters()

	pop := o.engine.GenerateRandomPopulation(params.PopulationSize)

	res := &Result[C]{
		BestScore: bestScoreSentinel,
		History:   make([]GenerationStats, 0, params.Generations),
	}

	for gen := 1; gen <= params.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := EvaluatePopulation(ctx, pop, o.evaluator, params.Workers); err != nil {
			return nil, err
		}

		SortByFitness(pop)

		stats := Summarize(gen, pop)
		res.History = append(res.History, stats)
		o.logger.Info("已完成一代评估",
			slog.Int("generation", gen),
			slog.Int("of", params.Generations),
			slog.Float64("best", stats.Best),
			slog.Float64("mean", stats.Mean),
			slog.Int("failed", stats.Failed),
		)

		if o.observer != nil {
			if err := o.observer(ctx, stats, pop); err != nil {
				return nil, err
			}
		}

		// 这里需要使用深拷贝，防止后续繁殖的过程中修改已保存的最优个体
		if pop[0].Fitness() > res.BestScore {
			res.Best = pop[0].Clone()
			res.BestScore = pop[0].Fitness()
			res.Found = true
		}

		if gen != params.Generations {
			next, err := o.engine.EvolveGeneration(pop)
			if err != nil {
				return nil, err
			}
			pop = next
		}
	}

	res.Population = pop
	return res, nil
}

// EvaluatePopulation 并发评估种群中的每个个体，最多同时运行 workers 个协程
func EvaluatePopulation[C any](ctx context.Context, pop []C, evaluator Evaluator[C], workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for _, c := range pop {
		g.Go(func() error {
			return evaluator.Evaluate(ctx, c)
		})
	}

	return g.Wait()
}

// Summarize 统计已排序种群的适应度
func Summarize[C Candidate[C]](generation int, ranked []C) GenerationStats {
	stats := GenerationStats{Generation: generation}

	scores := make([]float64, 0, len(ranked))
	for _, c := range ranked {
		f := c.Fitness()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			stats.Failed++
			continue
		}
		scores = append(scores, f)
	}

	if len(scores) == 0 {
		return stats
	}

	stats.Best = scores[0]
	if len(scores) == 1 {
		stats.Mean = scores[0]
		return stats
	}

	stats.Mean, stats.StdDev = stat.MeanStdDev(scores, nil)
	return stats
}
