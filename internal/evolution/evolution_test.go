package evolution

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCandidate struct {
	id    int
	score float64
	tags  []string
}

func (f *fakeCandidate) Fitness() float64 { return f.score }

func (f *fakeCandidate) Clone() *fakeCandidate {
	c := *f
	c.tags = append([]string(nil), f.tags...)
	return &c
}

type fakeBreeder struct {
	nextID     int
	crossovers int
	mutations  int
}

func (b *fakeBreeder) Random(_ *rand.Rand) *fakeCandidate {
	b.nextID++
	return &fakeCandidate{id: b.nextID}
}

func (b *fakeBreeder) Crossover(x, y *fakeCandidate, _ *rand.Rand) (*fakeCandidate, *fakeCandidate) {
	b.crossovers++
	b.nextID += 2
	return &fakeCandidate{id: b.nextID - 1, tags: []string{"child"}}, &fakeCandidate{id: b.nextID, tags: []string{"child"}}
}

func (b *fakeBreeder) Mutate(c *fakeCandidate, _ *rand.Rand) *fakeCandidate {
	b.mutations++
	c.tags = append(c.tags, "mutated")
	return c
}

// 适应度等于个体编号
type idEvaluator struct{}

func (idEvaluator) Evaluate(_ context.Context, c *fakeCandidate) error {
	c.score = float64(c.id)
	return nil
}

func scoredPopulation(n int) []*fakeCandidate {
	pop := make([]*fakeCandidate, n)
	for i := range pop {
		pop[i] = &fakeCandidate{id: i + 1, score: float64(i + 1)}
	}
	// 打乱顺序，确保 EvolveGeneration 自己完成排序
	rand.New(rand.NewSource(7)).Shuffle(n, func(i, j int) { pop[i], pop[j] = pop[j], pop[i] })
	return pop
}

func newTestEngine(t *testing.T, params Parameters, breeder *fakeBreeder) *Engine[*fakeCandidate] {
	t.Helper()
	engine, err := NewEngine[*fakeCandidate](params, breeder, rand.New(rand.NewSource(params.Seed)))
	require.NoError(t, err)
	return engine
}

func TestEvolveGenerationKeepsTopFraction(t *testing.T) {
	params := DefaultParameters()
	params.PopulationSize = 10
	params.RetentionFraction = 0.5
	params.RandomRetentionChance = 0
	params.MutationChance = 0

	breeder := &fakeBreeder{nextID: 100}
	engine := newTestEngine(t, params, breeder)

	next, err := engine.EvolveGeneration(scoredPopulation(10))
	require.NoError(t, err)
	require.Len(t, next, 10)

	for i, want := range []int{10, 9, 8, 7, 6} {
		assert.Equal(t, want, next[i].id)
	}
	for _, child := range next[5:] {
		assert.Greater(t, child.id, 100)
		assert.Equal(t, []string{"child"}, child.tags)
	}
	assert.Equal(t, 3, breeder.crossovers)
	assert.Zero(t, breeder.mutations)
}

func TestEvolveGenerationPreservesSize(t *testing.T) {
	for _, size := range []int{3, 7, 10, 31} {
		params := DefaultParameters()
		params.PopulationSize = size
		params.RetentionFraction = 0.7
		params.RandomRetentionChance = 0.3
		params.MutationChance = 0.5

		engine := newTestEngine(t, params, &fakeBreeder{nextID: 1000})

		next, err := engine.EvolveGeneration(scoredPopulation(size))
		require.NoError(t, err, "size %d", size)
		assert.Len(t, next, size)
	}

	// 种群大小为 2 时只能全部保留
	params := DefaultParameters()
	params.PopulationSize = 2
	params.RetentionFraction = 1
	engine := newTestEngine(t, params, &fakeBreeder{})

	next, err := engine.EvolveGeneration(scoredPopulation(2))
	require.NoError(t, err)
	assert.Len(t, next, 2)
}

func TestEvolveGenerationDegenerateSelection(t *testing.T) {
	params := DefaultParameters()
	params.PopulationSize = 5
	params.RetentionFraction = 0.2
	params.RandomRetentionChance = 0

	engine := newTestEngine(t, params, &fakeBreeder{})

	_, err := engine.EvolveGeneration(scoredPopulation(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateSelection))

	params.RetentionFraction = 0.1
	engine = newTestEngine(t, params, &fakeBreeder{})
	_, err = engine.EvolveGeneration(scoredPopulation(5))
	assert.ErrorIs(t, err, ErrDegenerateSelection)
}

func TestEvolveGenerationFullRetentionSkipsCrossover(t *testing.T) {
	params := DefaultParameters()
	params.PopulationSize = 4
	params.RetentionFraction = 1

	breeder := &fakeBreeder{}
	engine := newTestEngine(t, params, breeder)

	next, err := engine.EvolveGeneration(scoredPopulation(4))
	require.NoError(t, err)
	assert.Len(t, next, 4)
	assert.Zero(t, breeder.crossovers)
}

func TestPickParentsAreDistinct(t *testing.T) {
	engine := newTestEngine(t, DefaultParameters(), &fakeBreeder{})

	for _, n := range []int{2, 3, 10} {
		for k := 0; k < 500; k++ {
			i, j := engine.pickParents(n)
			require.NotEqual(t, i, j)
			require.GreaterOrEqual(t, i, 0)
			require.Less(t, i, n)
			require.GreaterOrEqual(t, j, 0)
			require.Less(t, j, n)
		}
	}
}

func TestParametersValidate(t *testing.T) {
	assert.NoError(t, DefaultParameters().Validate())

	cases := []func(p *Parameters){
		func(p *Parameters) { p.PopulationSize = 1 },
		func(p *Parameters) { p.Generations = 0 },
		func(p *Parameters) { p.RetentionFraction = 1.5 },
		func(p *Parameters) { p.RandomRetentionChance = -0.1 },
		func(p *Parameters) { p.MutationChance = 2 },
	}
	for _, mutate := range cases {
		p := DefaultParameters()
		mutate(&p)
		assert.ErrorIs(t, p.Validate(), ErrInvalidParameters)
	}
}

func TestOptimizerRunTracksBestEver(t *testing.T) {
	params := DefaultParameters()
	params.PopulationSize = 6
	params.Generations = 3
	params.RandomRetentionChance = 0

	breeder := &fakeBreeder{}
	engine := newTestEngine(t, params, breeder)
	opt := NewOptimizer[*fakeCandidate](engine, idEvaluator{}, nil)

	var seen []GenerationStats
	opt.OnGeneration(func(_ context.Context, stats GenerationStats, ranked []*fakeCandidate) error {
		seen = append(seen, stats)
		for i := 1; i < len(ranked); i++ {
			assert.GreaterOrEqual(t, ranked[i-1].Fitness(), ranked[i].Fitness())
		}
		return nil
	})

	res, err := opt.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.History, 3)
	assert.Equal(t, res.History, seen)
	assert.Len(t, res.Population, 6)
	assert.True(t, res.Found)

	// 子代编号递增，因此最优个体一定来自最后一代
	assert.Equal(t, res.Population[0].id, res.Best.id)
	assert.Equal(t, float64(res.Best.id), res.BestScore)

	// 保存的是拷贝
	res.Population[0].score = -1
	res.Population[0].tags = append(res.Population[0].tags, "changed")
	assert.Equal(t, float64(res.Best.id), res.Best.score)
	assert.NotContains(t, res.Best.tags, "changed")
}

func TestOptimizerSkipsEvolutionOnLastGeneration(t *testing.T) {
	params := DefaultParameters()
	params.PopulationSize = 5
	params.Generations = 1

	breeder := &fakeBreeder{}
	engine := newTestEngine(t, params, breeder)

	res, err := NewOptimizer[*fakeCandidate](engine, idEvaluator{}, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, breeder.crossovers)
	assert.Equal(t, 5, res.Population[0].id)
	assert.Equal(t, 5.0, res.BestScore)
}

func TestOptimizerStopsOnCanceledContext(t *testing.T) {
	engine := newTestEngine(t, DefaultParameters(), &fakeBreeder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewOptimizer[*fakeCandidate](engine, idEvaluator{}, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptimizerPropagatesObserverError(t *testing.T) {
	engine := newTestEngine(t, DefaultParameters(), &fakeBreeder{})
	opt := NewOptimizer[*fakeCandidate](engine, idEvaluator{}, nil)

	boom := errors.New("boom")
	opt.OnGeneration(func(context.Context, GenerationStats, []*fakeCandidate) error { return boom })

	_, err := opt.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSummarizeSkipsFailedCandidates(t *testing.T) {
	ranked := []*fakeCandidate{
		{score: 4},
		{score: 2},
		{score: WorstScore},
	}

	stats := Summarize(2, ranked)
	assert.Equal(t, 2, stats.Generation)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 4.0, stats.Best)
	assert.InDelta(t, 3.0, stats.Mean, 1e-9)
	assert.InDelta(t, 1.41421356, stats.StdDev, 1e-6)

	empty := Summarize(1, []*fakeCandidate{{score: WorstScore}})
	assert.Equal(t, 1, empty.Failed)
	assert.Zero(t, empty.Mean)
}
