package evolution

import (
	"fmt"
	"math/rand"
	"sort"
)

type Engine[C Candidate[C]] struct {
	params  Parameters
	breeder Breeder[C]
	rng     *rand.Rand
}

func NewEngine[C Candidate[C]](params Parameters, breeder Breeder[C], rng *rand.Rand) (*Engine[C], error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	return &Engine[C]{
		params:  params,
		breeder: breeder,
		rng:     rng,
	}, nil
}

func (e *Engine[C]) Parameters() Parameters {
	return e.params
}

// GenerateRandomPopulation 随机生成 size 个个体
func (e *Engine[C]) GenerateRandomPopulation(size int) []C {
	pop := make([]C, 0, size)
	for i := 0; i < size; i++ {
		pop = append(pop, e.breeder.Random(e.rng))
	}
	return pop
}

// EvolveGeneration 根据上一代的适应度生成下一代：
// 按排名保留一部分个体，淘汰的个体以一定概率被保留，其余位置由保留个体两两交叉产生的子代补足
func (e *Engine[C]) EvolveGeneration(pop []C) ([]C, error) {
	n := len(pop)

	ranked := make([]C, n)
	copy(ranked, pop)
	SortByFitness(ranked)

	retained := int(float64(n) * e.params.RetentionFraction)
	generators := make([]C, 0, n)
	generators = append(generators, ranked[:retained]...)

	for _, c := range ranked[retained:] {
		if e.params.RandomRetentionChance > e.rng.Float64() {
			generators = append(generators, c)
		}
	}

	desired := n - len(generators)
	if len(generators) == 0 || (desired > 0 && len(generators) < 2) {
		return nil, fmt.Errorf("%w: 共保留 %d 个个体", ErrDegenerateSelection, len(generators))
	}

	children := make([]C, 0, desired)
	for len(children) < desired {
		i, j := e.pickParents(len(generators))
		a, b := e.breed(generators[i], generators[j])

		// 一次交叉产生两个子代，超出的部分直接丢弃
		for _, child := range []C{a, b} {
			if len(children) < desired {
				children = append(children, child)
			}
		}
	}

	next := append(generators, children...)
	if len(next) != n {
		return nil, fmt.Errorf("%w: 期望 %d，实际 %d", ErrPopulationSizeMismatch, n, len(next))
	}

	return next, nil
}

// pickParents 选出两个不同的下标，n 必须不小于 2
func (e *Engine[C]) pickParents(n int) (int, int) {
	i := e.rng.Intn(n)
	j := e.rng.Intn(n - 1)
	if j >= i {
		j++
	}
	return i, j
}

func (e *Engine[C]) breed(a, b C) (C, C) {
	c1, c2 := e.breeder.Crossover(a, b, e.rng)

	if e.params.MutationChance > e.rng.Float64() {
		c1 = e.breeder.Mutate(c1, e.rng)
	}
	if e.params.MutationChance > e.rng.Float64() {
		c2 = e.breeder.Mutate(c2, e.rng)
	}

	return c1, c2
}

// SortByFitness 按适应度降序排列，适应度相同时保持原有顺序
func SortByFitness[C Candidate[C]](pop []C) {
	sort.SliceStable(pop, func(i, j int) bool {
		return pop[i].Fitness() > pop[j].Fitness()
	})
}
