package rescue

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
)

func twoNodeScenario() Scenario {
	return Scenario{
		TimeBudget:  20,
		MaxSegments: 2,
		Paths: PathMap{
			BaseKey: {"A": {{Position: "A", Cost: 5}}},
			"A":     {BaseKey: {{Position: BaseKey, Cost: 5}}},
		},
		Victims: Victims{"A": {"120", "2"}},
	}
}

func gridScenario(t *testing.T, seed int64) Scenario {
	t.Helper()
	s, err := GenerateGridScenario(GridOptions{Width: 6, Height: 6, Victims: 7, TimeBudget: 40}, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return s
}

func newPlanner(t *testing.T, s Scenario) *Planner {
	t.Helper()
	p, err := NewPlanner(s)
	require.NoError(t, err)
	return p
}

func TestNewIndividualSingleRoundTrip(t *testing.T) {
	p := newPlanner(t, twoNodeScenario())

	ind := p.NewIndividual(rand.New(rand.NewSource(1)))

	assert.Equal(t, []Segment{{Origin: BaseKey, Destination: "A"}, {Origin: "A", Destination: BaseKey}}, ind.Trajectory)
	assert.Equal(t, 10.0, ind.RemainingTime)
	assert.InDelta(t, 1.0, ind.WeightCost+ind.WeightSeverity, 1e-9)
	assert.Contains(t, weightDomain[GeneWeightCost], ind.WeightCost)
}

func TestNewIndividualInvariants(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		s := gridScenario(t, seed)
		p := newPlanner(t, s)
		rng := rand.New(rand.NewSource(seed))

		for k := 0; k < 30; k++ {
			ind := p.NewIndividual(rng)
			require.True(t, ind.Feasible())

			traj := ind.Trajectory
			assert.Equal(t, BaseKey, traj[0].Origin)
			assert.Equal(t, BaseKey, traj[len(traj)-1].Destination)
			assert.LessOrEqual(t, len(traj), p.MaxSegments())

			spent := 0.0
			visited := make(map[string]bool)
			for i, seg := range traj {
				if i > 0 {
					assert.Equal(t, traj[i-1].Destination, seg.Origin)
				}
				c, ok := p.cost(seg.Origin, seg.Destination)
				require.True(t, ok)
				spent += c

				if seg.Destination != BaseKey {
					assert.False(t, visited[seg.Destination], "重复访问 %s", seg.Destination)
					visited[seg.Destination] = true
				}
			}
			assert.LessOrEqual(t, spent, s.TimeBudget)
			assert.InDelta(t, s.TimeBudget-spent, ind.RemainingTime, 1e-9)
			assert.InDelta(t, 1.0, ind.WeightCost+ind.WeightSeverity, 1e-9)
		}
	}
}

func TestNewIndividualIsDeterministicForSeed(t *testing.T) {
	p := newPlanner(t, gridScenario(t, 3))

	a := p.NewIndividual(rand.New(rand.NewSource(99)))
	b := p.NewIndividual(rand.New(rand.NewSource(99)))
	assert.Equal(t, a, b)
}

func TestNewPlannerInfeasibleBudget(t *testing.T) {
	s := twoNodeScenario()
	s.TimeBudget = 9

	_, err := NewPlanner(s)
	require.Error(t, err)

	var infeasible *InfeasibleConstructionError
	require.True(t, errors.As(err, &infeasible))
	assert.Equal(t, BaseKey, infeasible.Base)
	assert.Equal(t, 9.0, infeasible.TimeBudget)
}

func TestNewPlannerRejectsInvalidScenario(t *testing.T) {
	s := twoNodeScenario()
	s.Victims = Victims{"A": {"120", "grave"}}
	_, err := NewPlanner(s)
	assert.ErrorIs(t, err, ErrInvalidScenario)

	s = twoNodeScenario()
	s.MaxSegments = 1
	_, err = NewPlanner(s)
	assert.ErrorIs(t, err, ErrInvalidScenario)

	s = twoNodeScenario()
	s.Base = "9:9"
	_, err = NewPlanner(s)
	assert.ErrorIs(t, err, ErrInvalidScenario)
}

func TestNewPlannerDefaultsMaxSegments(t *testing.T) {
	s := twoNodeScenario()
	s.MaxSegments = 0

	p := newPlanner(t, s)
	assert.Equal(t, 2, p.MaxSegments())
}

func TestEvaluateScore(t *testing.T) {
	p := newPlanner(t, twoNodeScenario())

	ind := &Individual{
		Trajectory: []Segment{{Origin: BaseKey, Destination: "A"}, {Origin: "A", Destination: BaseKey}},
	}
	ind.SetWeight(GeneWeightSeverity, 0.8)

	require.NoError(t, p.Evaluate(context.Background(), ind))

	// rank = 3, severityWeight = ((4-2)+1)*3 = 9, score = 0.8*9 / (0.2*5)
	assert.InDelta(t, 7.2, ind.Score, 1e-9)
	assert.Equal(t, 1, ind.Rescued)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	p := newPlanner(t, gridScenario(t, 5))
	ind := p.NewIndividual(rand.New(rand.NewSource(5)))

	require.NoError(t, p.Evaluate(context.Background(), ind))
	first, rescued := ind.Score, ind.Rescued

	require.NoError(t, p.Evaluate(context.Background(), ind))
	assert.Equal(t, first, ind.Score)
	assert.Equal(t, rescued, ind.Rescued)
}

func TestEvaluateZeroCostSegmentContributesNothing(t *testing.T) {
	s := twoNodeScenario()
	s.Paths[BaseKey]["A"] = []Step{{Position: "A", Cost: 0}}
	p := newPlanner(t, s)

	ind := &Individual{
		Trajectory: []Segment{{Origin: BaseKey, Destination: "A"}, {Origin: "A", Destination: BaseKey}},
	}
	ind.SetWeight(GeneWeightCost, 0.2)

	require.NoError(t, p.Evaluate(context.Background(), ind))
	assert.Zero(t, ind.Score)
	assert.Equal(t, 1, ind.Rescued)
}

func TestEvaluatePenalizesRepeatedReturns(t *testing.T) {
	s := Scenario{
		TimeBudget: 100,
		Paths: PathMap{
			BaseKey: {"A": {{Position: "A", Cost: 1}}, "B": {{Position: "B", Cost: 1}}},
			"A":     {BaseKey: {{Position: BaseKey, Cost: 1}}},
			"B":     {BaseKey: {{Position: BaseKey, Cost: 1}}},
		},
		Victims: Victims{"A": {"4"}, "B": {"4"}},
	}
	p := newPlanner(t, s)

	ind := &Individual{
		Trajectory: []Segment{
			{Origin: BaseKey, Destination: "A"},
			{Origin: "A", Destination: BaseKey},
			{Origin: BaseKey, Destination: "B"},
			{Origin: "B", Destination: BaseKey},
		},
	}
	ind.SetWeight(GeneWeightCost, 0.5)

	require.NoError(t, p.Evaluate(context.Background(), ind))

	// A: (0+1)*5 = 5，B: (0+1)*3 = 3，四段都与基地相连，扣除 5+4+3+2
	assert.InDelta(t, 5.0+3.0-14.0, ind.Score, 1e-9)
	assert.Equal(t, 2, ind.Rescued)
}

func TestEvaluateEmptyTrajectoryGetsWorstScore(t *testing.T) {
	p := newPlanner(t, twoNodeScenario())

	ind := &Individual{}
	require.NoError(t, p.Evaluate(context.Background(), ind))
	assert.Equal(t, evolution.WorstScore, ind.Score)
}

func TestMutateStaysInDomain(t *testing.T) {
	p := newPlanner(t, twoNodeScenario())
	rng := rand.New(rand.NewSource(11))

	for k := 0; k < 200; k++ {
		ind := p.NewIndividual(rng)
		got := p.Mutate(ind, rng)
		assert.Same(t, ind, got)

		assert.InDelta(t, 1.0, ind.WeightCost+ind.WeightSeverity, 1e-9)
		inCost := slices.ContainsFunc(weightDomain[GeneWeightCost], func(v float64) bool { return almostEqual(v, ind.WeightCost) })
		inSeverity := slices.ContainsFunc(weightDomain[GeneWeightSeverity], func(v float64) bool { return almostEqual(v, ind.WeightSeverity) })
		assert.True(t, inCost && inSeverity, "权重 %v/%v 超出取值范围", ind.WeightCost, ind.WeightSeverity)
	}
}

func TestCrossoverInheritsWeightsFromParents(t *testing.T) {
	p := newPlanner(t, gridScenario(t, 8))
	rng := rand.New(rand.NewSource(8))

	a := p.NewIndividual(rng)
	a.SetWeight(GeneWeightCost, 0.05)
	b := p.NewIndividual(rng)
	b.SetWeight(GeneWeightCost, 0.35)
	require.NoError(t, p.Evaluate(context.Background(), a))
	require.NoError(t, p.Evaluate(context.Background(), b))

	fromA, fromB := 0, 0
	for k := 0; k < 50; k++ {
		c1, c2 := p.Crossover(a, b, rng)
		for _, c := range []*Individual{c1, c2} {
			assert.NotSame(t, a, c)
			assert.NotSame(t, b, c)
			assert.True(t, almostEqual(c.WeightCost, 0.05) || almostEqual(c.WeightCost, 0.35))
			assert.InDelta(t, 1.0, c.WeightCost+c.WeightSeverity, 1e-9)
			assert.True(t, c.Feasible())

			switch {
			case c.WeightCost == a.WeightCost && c.WeightSeverity == a.WeightSeverity:
				fromA++
			case c.WeightCost == b.WeightCost && c.WeightSeverity == b.WeightSeverity:
				fromB++
			default:
				t.Errorf("子代权重 %v/%v 不属于任何一个父代", c.WeightCost, c.WeightSeverity)
			}
		}
	}
	// 100 个子代中两个父代都应出现
	assert.Positive(t, fromA)
	assert.Positive(t, fromB)
}

func TestCrossoverFallsBackToBetterParentTrajectory(t *testing.T) {
	p := newPlanner(t, gridScenario(t, 13))
	rng := rand.New(rand.NewSource(13))

	a := p.NewIndividual(rng)
	b := p.NewIndividual(rng)
	// 父母得分远高于任何随机轨迹，子代一定会继承父母的轨迹
	a.Score, b.Score = 1e9, 2e9

	c1, c2 := p.Crossover(a, b, rng)
	for _, c := range []*Individual{c1, c2} {
		assert.Equal(t, b.Trajectory, c.Trajectory)
		assert.Equal(t, b.RemainingTime, c.RemainingTime)
	}

	// 修改子代不会影响父母
	c1.Trajectory[0].Destination = "changed"
	assert.NotEqual(t, "changed", b.Trajectory[0].Destination)

	// 得分相同时使用 a 的轨迹
	b.Score = a.Score
	c3, _ := p.Crossover(a, b, rng)
	assert.Equal(t, a.Trajectory, c3.Trajectory)
}

func TestCloneIsDeep(t *testing.T) {
	p := newPlanner(t, twoNodeScenario())
	ind := p.NewIndividual(rand.New(rand.NewSource(2)))

	c := ind.Clone()
	c.Trajectory[0].Destination = "B"
	assert.Equal(t, "A", ind.Trajectory[0].Destination)
}

func TestOptimizerImprovesRoutes(t *testing.T) {
	params := evolution.DefaultParameters()
	params.PopulationSize = 30
	params.Generations = 8
	params.Seed = 21

	opt, err := NewOptimizer(gridScenario(t, 21), params, nil)
	require.NoError(t, err)

	res, err := opt.Run(context.Background())
	require.NoError(t, err)

	require.True(t, res.Found)
	assert.Len(t, res.Population, 30)
	assert.Len(t, res.History, 8)
	assert.Equal(t, BaseKey, res.Best.Trajectory[len(res.Best.Trajectory)-1].Destination)
	for _, stats := range res.History {
		assert.LessOrEqual(t, stats.Best, res.BestScore)
	}
}

func TestNewOptimizerRejectsInvalidInput(t *testing.T) {
	_, err := NewOptimizer(Scenario{TimeBudget: 10}, evolution.DefaultParameters(), nil)
	assert.ErrorIs(t, err, ErrInvalidScenario)

	params := evolution.DefaultParameters()
	params.PopulationSize = 1
	_, err = NewOptimizer(twoNodeScenario(), params, nil)
	assert.ErrorIs(t, err, evolution.ErrInvalidParameters)
}

func TestGenerateGridScenario(t *testing.T) {
	s := gridScenario(t, 4)

	assert.Len(t, s.Victims, 7)
	assert.NotContains(t, s.Victims, BaseKey)
	assert.Len(t, s.Paths, 8)
	for from, targets := range s.Paths {
		assert.Len(t, targets, 7, from)
	}

	_, err := GenerateGridScenario(GridOptions{Width: 2, Height: 2, Victims: 4}, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrInvalidScenario)
}

func almostEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
