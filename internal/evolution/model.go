package evolution

import (
	"context"
	"errors"
	"math"
	"math/rand"
)

var (
	ErrDegenerateSelection    = errors.New("可参与交叉的个体不足两个")
	ErrPopulationSizeMismatch = errors.New("进化后的种群大小与原种群不一致")
	ErrInvalidParameters      = errors.New("遗传算法参数无效")
)

// WorstScore 赋给构造失败或训练失败的个体，保证其排在所有正常个体之后
var WorstScore = math.Inf(-1)

// 记录历史最优个体时使用的初始值
const bestScoreSentinel = -math.MaxFloat64

// Candidate 是种群中的个体
type Candidate[C any] interface {
	Fitness() float64
	// Clone 返回深拷贝，用于保存历史最优个体
	Clone() C
}

// Breeder 负责某一类个体的随机构造、交叉和变异
type Breeder[C any] interface {
	Random(rng *rand.Rand) C
	// Crossover 必须恰好返回两个子代
	Crossover(a, b C, rng *rand.Rand) (C, C)
	Mutate(c C, rng *rand.Rand) C
}

// Evaluator 计算个体的适应度并写回个体。
// 单个个体的失败应当在内部处理（赋 WorstScore），返回的 error 只用于中止整个优化过程
type Evaluator[C any] interface {
	Evaluate(ctx context.Context, c C) error
}

// 遗传算法参数
type Parameters struct {
	PopulationSize        int     `json:"populationSize" yaml:"population_size"`                 // 种群大小
	Generations           int     `json:"generations" yaml:"generations"`                        // 迭代代数
	RetentionFraction     float64 `json:"retentionFraction" yaml:"retention_fraction"`           // 每代按排名直接保留的比例
	RandomRetentionChance float64 `json:"randomRetentionChance" yaml:"random_retention_chance"` // 被淘汰个体仍被保留的概率
	MutationChance        float64 `json:"mutationChance" yaml:"mutation_chance"`                 // 子代发生变异的概率
	Seed                  int64   `json:"seed" yaml:"seed"`
	Workers               int     `json:"workers" yaml:"workers"` // 并行评估的协程数
}

func DefaultParameters() Parameters {
	return Parameters{
		PopulationSize:        20,
		Generations:           10,
		RetentionFraction:     0.4,
		RandomRetentionChance: 0.05,
		MutationChance:        0.1,
		Seed:                  42,
		Workers:               4,
	}
}

func (p Parameters) Validate() error {
	switch {
	case p.PopulationSize < 2:
		return errors.Join(ErrInvalidParameters, errors.New("种群大小至少为 2"))
	case p.Generations < 1:
		return errors.Join(ErrInvalidParameters, errors.New("迭代代数至少为 1"))
	case p.RetentionFraction < 0 || p.RetentionFraction > 1:
		return errors.Join(ErrInvalidParameters, errors.New("保留比例必须在 [0, 1] 之间"))
	case p.RandomRetentionChance < 0 || p.RandomRetentionChance > 1:
		return errors.Join(ErrInvalidParameters, errors.New("随机保留概率必须在 [0, 1] 之间"))
	case p.MutationChance < 0 || p.MutationChance > 1:
		return errors.Join(ErrInvalidParameters, errors.New("变异概率必须在 [0, 1] 之间"))
	}
	return nil
}

// GenerationStats 是一代种群的统计信息，不计入适应度为非有限值的个体
type GenerationStats struct {
	Generation int     `json:"generation"`
	Best       float64 `json:"best"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stdDev"`
	Failed     int     `json:"failed"` // 构造或训练失败的个体数量
}

type Result[C any] struct {
	Population []C
	Best       C
	BestScore  float64
	Found      bool // 是否出现过优于初始值的个体
	History    []GenerationStats
}
