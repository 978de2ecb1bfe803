package rescue

import (
	"context"
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"strconv"
	"strings"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
)

// 抽中基地但仍有其他目的地可选时，最多重新抽取的次数
const maxBaseRedraws = 16

// Planner 持有场景的只读数据，负责个体的构造、评估、交叉与变异。
// 除随机数生成器外不持有可变状态，可以被多个协程同时用于评估
type Planner struct {
	base        string
	budget      float64
	maxSegments int
	paths       PathMap
	severity    map[string]int
}

func NewPlanner(s Scenario) (*Planner, error) {
	p := &Planner{
		base:        s.Base,
		budget:      s.TimeBudget,
		maxSegments: s.MaxSegments,
		paths:       s.Paths,
		severity:    make(map[string]int, len(s.Victims)),
	}

	if p.base == "" {
		p.base = BaseKey
	}
	if p.maxSegments == 0 {
		p.maxSegments = len(s.Victims) + 1
	}

	if p.budget < 0 {
		return nil, fmt.Errorf("%w: 时间预算不能为负数", ErrInvalidScenario)
	}
	if p.maxSegments < 2 {
		return nil, fmt.Errorf("%w: 最大分段数至少为 2", ErrInvalidScenario)
	}
	if _, ok := p.paths[p.base]; !ok {
		return nil, fmt.Errorf("%w: 路径表中没有基地 %s", ErrInvalidScenario, p.base)
	}

	for position, signs := range s.Victims {
		if len(signs) == 0 {
			return nil, fmt.Errorf("%w: 受害者 %s 没有生命体征", ErrInvalidScenario, position)
		}
		severity, err := strconv.Atoi(strings.TrimSpace(signs[len(signs)-1]))
		if err != nil {
			return nil, fmt.Errorf("%w: 受害者 %s 的严重程度不是整数", ErrInvalidScenario, position)
		}
		p.severity[position] = severity
	}

	// 从基地出发没有任何可往返的目的地时，每个个体都会是空轨迹
	if len(p.feasibleDestinations(p.base, p.budget, nil)) == 0 {
		return nil, &InfeasibleConstructionError{Base: p.base, TimeBudget: p.budget}
	}

	return p, nil
}

func (p *Planner) Base() string {
	return p.base
}

func (p *Planner) MaxSegments() int {
	return p.maxSegments
}

// cost 返回从 origin 到 destination 的耗时，第二个返回值表示两点之间是否存在路径
func (p *Planner) cost(origin, destination string) (float64, bool) {
	if origin == destination {
		return 0, true
	}

	steps, ok := p.paths[origin][destination]
	if !ok {
		return 0, false
	}

	total := 0.0
	for _, step := range steps {
		total += step.Cost
	}
	return total, true
}

// canGoAndReturn 判断去往 destination 之后能否在剩余时间内回到基地
func (p *Planner) canGoAndReturn(origin, destination string, remaining float64) bool {
	there, ok := p.cost(origin, destination)
	if !ok {
		return false
	}
	back, ok := p.cost(destination, p.base)
	if !ok {
		return false
	}
	return there+back <= remaining
}

// feasibleDestinations 按字典序返回从 current 出发可以往返、且尚未访问过的目的地
func (p *Planner) feasibleDestinations(current string, remaining float64, visited map[string]bool) []string {
	candidates := make([]string, 0)
	for _, destination := range slices.Sorted(maps.Keys(p.paths[current])) {
		if destination == current || visited[destination] {
			continue
		}
		if p.canGoAndReturn(current, destination, remaining) {
			candidates = append(candidates, destination)
		}
	}
	return candidates
}

func (p *Planner) chooseDestination(candidates []string, rng *rand.Rand) string {
	destination := candidates[rng.Intn(len(candidates))]
	if destination != p.base || len(candidates) == 1 {
		return destination
	}

	// 还有其他目的地时尽量不要提前返回基地
	for i := 0; i < maxBaseRedraws; i++ {
		destination = candidates[rng.Intn(len(candidates))]
		if destination != p.base {
			break
		}
	}
	return destination
}

// randomTrajectory 随机构造一条从基地出发并回到基地的轨迹，返回轨迹和剩余时间。
// 最后一段必须留给返回基地，因此非空轨迹一定以基地结束
func (p *Planner) randomTrajectory(rng *rand.Rand) ([]Segment, float64) {
	remaining := p.budget
	current := p.base
	visited := make(map[string]bool)
	trajectory := make([]Segment, 0, p.maxSegments)

	for len(trajectory) < p.maxSegments {
		lastSegment := len(trajectory) == p.maxSegments-1
		if lastSegment && current == p.base {
			break
		}

		candidates := p.feasibleDestinations(current, remaining, visited)
		if lastSegment {
			if !slices.Contains(candidates, p.base) {
				break
			}
			candidates = []string{p.base}
		}
		if len(candidates) == 0 {
			break
		}

		destination := p.chooseDestination(candidates, rng)
		c, _ := p.cost(current, destination)

		trajectory = append(trajectory, Segment{Origin: current, Destination: destination})
		remaining -= c
		if destination != p.base {
			visited[destination] = true
		}
		current = destination
	}

	return trajectory, remaining
}

// NewIndividual 随机构造一个个体
func (p *Planner) NewIndividual(rng *rand.Rand) *Individual {
	ind := &Individual{}
	ind.Trajectory, ind.RemainingTime = p.randomTrajectory(rng)

	costs := weightDomain[GeneWeightCost]
	ind.SetWeight(GeneWeightCost, costs[rng.Intn(len(costs))])

	return ind
}

func (p *Planner) Random(rng *rand.Rand) *Individual {
	return p.NewIndividual(rng)
}

// Evaluate 计算个体的适应度，对同一个体重复调用结果不变
func (p *Planner) Evaluate(_ context.Context, ind *Individual) error {
	ind.Score, ind.Rescued = p.score(ind)
	return nil
}

/**
 * 计算个体的适应度
 * score = Σ (WeightSeverity * severityWeight) / (WeightCost * cost) - penalty
 * 其中:
 * 		1. severityWeight = ((4 - 严重程度) + 1) * rank，rank 从 len(轨迹)+1 开始每段减一，越早救出越高
 * 		2. 耗时为 0 的路段不计分
 * 		3. 与基地相连的路段超过两段（多次往返）时，每段扣除 len(轨迹) - 序号 + 1
 */
func (p *Planner) score(ind *Individual) (float64, int) {
	if !ind.Feasible() {
		return evolution.WorstScore, 0
	}

	n := len(ind.Trajectory)
	rank := n + 1
	saved := make(map[string]bool)
	total := 0.0

	for _, seg := range ind.Trajectory {
		severityWeight := 0.0
		if severity, ok := p.severity[seg.Destination]; ok && !saved[seg.Destination] {
			severityWeight = float64((4-severity)+1) * float64(rank)
			saved[seg.Destination] = true
		}
		rank--

		c, _ := p.cost(seg.Origin, seg.Destination)
		denominator := ind.WeightCost * c
		if denominator == 0 {
			continue
		}
		total += (ind.WeightSeverity * severityWeight) / denominator
	}

	penalty := 0.0
	touches := 0
	for order, seg := range ind.Trajectory {
		if seg.Origin == p.base || seg.Destination == p.base {
			penalty += float64(n - order + 1)
			touches++
		}
	}
	if touches > 2 {
		total -= penalty
	}

	return total, len(saved)
}

// Crossover 产生两个子代。子代的权重随机继承自父母之一，轨迹重新随机生成；
// 若子代得分低于父母双方，则改用得分更高一方（相同时取 a）的轨迹
func (p *Planner) Crossover(a, b *Individual, rng *rand.Rand) (*Individual, *Individual) {
	return p.child(a, b, rng), p.child(a, b, rng)
}

func (p *Planner) child(a, b *Individual, rng *rand.Rand) *Individual {
	c := &Individual{}
	c.Trajectory, c.RemainingTime = p.randomTrajectory(rng)

	// 两个权重互补，整体继承自同一个父代
	parent := a
	if rng.Intn(2) == 1 {
		parent = b
	}
	c.WeightCost, c.WeightSeverity = parent.WeightCost, parent.WeightSeverity

	c.Score, c.Rescued = p.score(c)

	if c.Score < a.Score && c.Score < b.Score {
		better := a
		if b.Score > a.Score {
			better = b
		}
		c.Trajectory = slices.Clone(better.Trajectory)
		c.RemainingTime = better.RemainingTime
		c.Score, c.Rescued = p.score(c)
	}

	return c
}

// Mutate 随机选择一个权重基因并从取值范围中重新取值
func (p *Planner) Mutate(ind *Individual, rng *rand.Rand) *Individual {
	gene := geneNames[rng.Intn(len(geneNames))]
	values := weightDomain[gene]
	ind.SetWeight(gene, values[rng.Intn(len(values))])
	return ind
}
