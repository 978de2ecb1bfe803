package tuning

import "math/rand"

// Breeder 在一种算法的超参数空间内构造、交叉和变异个体。
// 所有个体共用同一个随机种子，差异只来自超参数
type Breeder struct {
	algorithm Algorithm
	keys      []string
	seed      int64
}

func NewBreeder(alg Algorithm, seed int64) *Breeder {
	return &Breeder{
		algorithm: alg,
		keys:      alg.Domain().Keys(),
		seed:      seed,
	}
}

// Random 为每个超参数从取值范围中均匀随机取值
func (b *Breeder) Random(rng *rand.Rand) *Model {
	domain := b.algorithm.Domain()
	params := make(Parameters, len(b.keys))
	for _, key := range b.keys {
		options := domain[key]
		params[key] = options[rng.Intn(len(options))]
	}
	return NewModel(b.algorithm, params, b.seed)
}

// Crossover 产生两个子代，每个子代的每个超参数独立地随机继承自父母之一
func (b *Breeder) Crossover(a, c *Model, rng *rand.Rand) (*Model, *Model) {
	return b.child(a, c, rng), b.child(a, c, rng)
}

func (b *Breeder) child(a, c *Model, rng *rand.Rand) *Model {
	params := make(Parameters, len(b.keys))
	for _, key := range b.keys {
		parent := a
		if rng.Intn(2) == 1 {
			parent = c
		}
		params[key] = parent.Parameters[key]
	}
	return NewModel(b.algorithm, params, b.seed)
}

// Mutate 随机选择一个超参数并从取值范围中重新取值
func (b *Breeder) Mutate(m *Model, rng *rand.Rand) *Model {
	key := b.keys[rng.Intn(len(b.keys))]
	options := b.algorithm.Domain()[key]
	m.set(key, options[rng.Intn(len(options))])
	return m
}
