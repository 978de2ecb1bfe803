package ml

import (
	"cmp"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	CriterionGini          = "gini"
	CriterionEntropy       = "entropy"
	CriterionLogLoss       = "log_loss"
	CriterionSquaredError  = "squared_error"
	CriterionFriedmanMSE   = "friedman_mse"
	CriterionAbsoluteError = "absolute_error"

	SplitterBest   = "best"
	SplitterRandom = "random"
)

// absolute_error 每个特征最多尝试的切分位置数
const maxAbsoluteErrorCandidates = 32

type TreeConfig struct {
	Task            Task
	Criterion       string
	MaxDepth        int // 0 表示不限制
	MinSamplesSplit int
	MinSamplesLeaf  int
	Splitter        string
	MaxFeatures     string // "" 或 auto 表示全部特征，sqrt 和 log2 表示每次切分随机抽取的特征数
	Seed            int64
}

// DecisionTree 是 CART 决策树，分类和回归共用
type DecisionTree struct {
	cfg       TreeConfig
	root      *treeNode
	nFeatures int
}

type treeNode struct {
	feature     int
	threshold   float64
	left, right *treeNode
	value       float64
}

func NewDecisionTree(cfg TreeConfig) *DecisionTree {
	if cfg.Criterion == "" {
		cfg.Criterion = CriterionGini
		if cfg.Task == Regression {
			cfg.Criterion = CriterionSquaredError
		}
	}
	if cfg.Splitter == "" {
		cfg.Splitter = SplitterBest
	}
	if cfg.MinSamplesSplit == 0 {
		cfg.MinSamplesSplit = 2
	}
	if cfg.MinSamplesLeaf == 0 {
		cfg.MinSamplesLeaf = 1
	}

	return &DecisionTree{cfg: cfg}
}

func (t *DecisionTree) validate() error {
	switch t.cfg.Task {
	case Classification:
		if !slices.Contains([]string{CriterionGini, CriterionEntropy, CriterionLogLoss}, t.cfg.Criterion) {
			return invalidParameter("分类树不支持划分标准 %q", t.cfg.Criterion)
		}
	case Regression:
		if !slices.Contains([]string{CriterionSquaredError, CriterionFriedmanMSE, CriterionAbsoluteError}, t.cfg.Criterion) {
			return invalidParameter("回归树不支持划分标准 %q", t.cfg.Criterion)
		}
	default:
		return invalidParameter("未知的任务类型 %q", t.cfg.Task)
	}

	switch {
	case t.cfg.MaxDepth < 0:
		return invalidParameter("max_depth 不能为负数")
	case t.cfg.MinSamplesSplit < 2:
		return invalidParameter("min_samples_split 至少为 2")
	case t.cfg.MinSamplesLeaf < 1:
		return invalidParameter("min_samples_leaf 至少为 1")
	case t.cfg.Splitter != SplitterBest && t.cfg.Splitter != SplitterRandom:
		return invalidParameter("未知的 splitter %q", t.cfg.Splitter)
	case !slices.Contains([]string{"", "auto", "sqrt", "log2"}, t.cfg.MaxFeatures):
		return invalidParameter("未知的 max_features %q", t.cfg.MaxFeatures)
	}

	return nil
}

func (t *DecisionTree) Fit(x [][]float64, y []float64) error {
	if err := t.validate(); err != nil {
		return err
	}
	nFeatures, err := checkTrainingSet(x, y)
	if err != nil {
		return err
	}

	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}

	b := &treeBuilder{
		cfg:         t.cfg,
		x:           x,
		y:           y,
		rng:         rand.New(rand.NewSource(t.cfg.Seed)),
		nFeatures:   nFeatures,
		maxFeatures: featureCount(t.cfg.MaxFeatures, nFeatures),
	}
	t.root = b.build(idx, 0)
	t.nFeatures = nFeatures

	return nil
}

func (t *DecisionTree) Predict(x [][]float64) ([]float64, error) {
	if t.root == nil {
		return nil, ErrNotFitted
	}
	if err := checkPredictSet(x, t.nFeatures); err != nil {
		return nil, err
	}

	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = t.predictRow(row)
	}
	return out, nil
}

func (t *DecisionTree) predictRow(row []float64) float64 {
	node := t.root
	for node.left != nil {
		if row[node.feature] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.value
}

// Depth 返回树的深度，只有根节点时为 0
func (t *DecisionTree) Depth() int {
	var depth func(n *treeNode) int
	depth = func(n *treeNode) int {
		if n == nil || n.left == nil {
			return 0
		}
		return 1 + max(depth(n.left), depth(n.right))
	}
	return depth(t.root)
}

func featureCount(maxFeatures string, nFeatures int) int {
	switch maxFeatures {
	case "sqrt":
		return max(1, int(math.Sqrt(float64(nFeatures))))
	case "log2":
		return max(1, int(math.Log2(float64(nFeatures))))
	default:
		return nFeatures
	}
}

type treeBuilder struct {
	cfg         TreeConfig
	x           [][]float64
	y           []float64
	rng         *rand.Rand
	nFeatures   int
	maxFeatures int
}

type split struct {
	feature   int
	threshold float64
	cost      float64
}

func (b *treeBuilder) build(idx []int, depth int) *treeNode {
	node := &treeNode{value: b.leafValue(idx)}

	if len(idx) < b.cfg.MinSamplesSplit || len(idx) < 2*b.cfg.MinSamplesLeaf {
		return node
	}
	if b.cfg.MaxDepth > 0 && depth >= b.cfg.MaxDepth {
		return node
	}
	if b.pure(idx) {
		return node
	}

	s, ok := b.bestSplit(idx)
	if !ok {
		return node
	}

	left, right := b.partition(idx, s.feature, s.threshold)
	node.feature = s.feature
	node.threshold = s.threshold
	node.left = b.build(left, depth+1)
	node.right = b.build(right, depth+1)

	return node
}

func (b *treeBuilder) pure(idx []int) bool {
	first := b.y[idx[0]]
	for _, i := range idx[1:] {
		if b.y[i] != first {
			return false
		}
	}
	return true
}

func (b *treeBuilder) leafValue(idx []int) float64 {
	ys := values(b.y, idx)
	switch {
	case b.cfg.Task == Classification:
		counts := make(map[float64]float64)
		for _, v := range ys {
			counts[v]++
		}
		return majority(counts)
	case b.cfg.Criterion == CriterionAbsoluteError:
		return median(ys)
	default:
		return stat.Mean(ys, nil)
	}
}

func (b *treeBuilder) candidateFeatures() []int {
	if b.maxFeatures >= b.nFeatures {
		features := make([]int, b.nFeatures)
		for i := range features {
			features[i] = i
		}
		return features
	}
	return b.rng.Perm(b.nFeatures)[:b.maxFeatures]
}

func (b *treeBuilder) bestSplit(idx []int) (split, bool) {
	best := split{cost: math.Inf(1)}
	found := false

	for _, f := range b.candidateFeatures() {
		var s split
		var ok bool
		if b.cfg.Splitter == SplitterRandom {
			s, ok = b.randomSplit(idx, f)
		} else {
			s, ok = b.exhaustiveSplit(idx, f)
		}
		if ok && s.cost < best.cost {
			best, found = s, true
		}
	}

	// 切分必须带来改进
	if !found || best.cost >= b.nodeCost(idx)-1e-12 {
		return split{}, false
	}
	return best, true
}

func (b *treeBuilder) exhaustiveSplit(idx []int, f int) (split, bool) {
	sorted := slices.Clone(idx)
	slices.SortFunc(sorted, func(i, j int) int {
		return cmp.Compare(b.x[i][f], b.x[j][f])
	})

	n := len(sorted)
	minLeaf := b.cfg.MinSamplesLeaf
	stride := 1
	if b.cfg.Criterion == CriterionAbsoluteError {
		stride = max(1, n/maxAbsoluteErrorCandidates)
	}

	acc := b.newAccumulator(sorted)
	best := split{feature: f, cost: math.Inf(1)}
	found := false

	for i := 1; i < n; i++ {
		acc.moveLeft()
		if i < minLeaf || n-i < minLeaf || i%stride != 0 {
			continue
		}

		lo, hi := b.x[sorted[i-1]][f], b.x[sorted[i]][f]
		if lo == hi {
			continue
		}

		if c := acc.cost(); c < best.cost {
			best.threshold = lo + (hi-lo)/2
			best.cost = c
			found = true
		}
	}

	return best, found
}

func (b *treeBuilder) randomSplit(idx []int, f int) (split, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		lo = min(lo, b.x[i][f])
		hi = max(hi, b.x[i][f])
	}
	if lo == hi {
		return split{}, false
	}

	threshold := lo + b.rng.Float64()*(hi-lo)
	left, right := b.partition(idx, f, threshold)
	if len(left) < b.cfg.MinSamplesLeaf || len(right) < b.cfg.MinSamplesLeaf {
		return split{}, false
	}

	return split{
		feature:   f,
		threshold: threshold,
		cost:      b.splitCost(values(b.y, left), values(b.y, right)),
	}, true
}

func (b *treeBuilder) partition(idx []int, f int, threshold float64) ([]int, []int) {
	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.x[i][f] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

// nodeCost 是不切分时的代价，切分后的代价必须比它小
func (b *treeBuilder) nodeCost(idx []int) float64 {
	if b.cfg.Criterion == CriterionFriedmanMSE {
		return 0
	}
	return b.impurity(values(b.y, idx))
}

// splitCost 是切分后的代价：子节点不纯度的加权平均，friedman_mse 取改进量的相反数
func (b *treeBuilder) splitCost(left, right []float64) float64 {
	nl, nr := float64(len(left)), float64(len(right))
	if b.cfg.Criterion == CriterionFriedmanMSE {
		diff := stat.Mean(left, nil) - stat.Mean(right, nil)
		return -(nl * nr * diff * diff) / (nl + nr)
	}
	return (nl*b.impurity(left) + nr*b.impurity(right)) / (nl + nr)
}

func (b *treeBuilder) impurity(ys []float64) float64 {
	switch b.cfg.Criterion {
	case CriterionGini, CriterionEntropy, CriterionLogLoss:
		counts := make(map[float64]float64)
		for _, v := range ys {
			counts[v]++
		}
		return classImpurity(b.cfg.Criterion, counts, float64(len(ys)))
	case CriterionAbsoluteError:
		m := median(ys)
		total := 0.0
		for _, v := range ys {
			total += math.Abs(v - m)
		}
		return total / float64(len(ys))
	default:
		mean := stat.Mean(ys, nil)
		total := 0.0
		for _, v := range ys {
			total += (v - mean) * (v - mean)
		}
		return total / float64(len(ys))
	}
}

func classImpurity(criterion string, counts map[float64]float64, n float64) float64 {
	if n == 0 {
		return 0
	}

	if criterion == CriterionGini {
		sum := 0.0
		for _, c := range counts {
			p := c / n
			sum += p * p
		}
		return 1 - sum
	}

	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := c / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func median(ys []float64) float64 {
	sorted := slices.Clone(ys)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// accumulator 在按特征值排序后的样本上从左到右移动切分点，增量维护左右两侧的统计量
type accumulator interface {
	moveLeft()
	cost() float64
}

func (b *treeBuilder) newAccumulator(sorted []int) accumulator {
	ys := values(b.y, sorted)

	switch b.cfg.Criterion {
	case CriterionGini, CriterionEntropy, CriterionLogLoss:
		acc := &classAccumulator{
			criterion: b.cfg.Criterion,
			ys:        ys,
			left:      make(map[float64]float64),
			right:     make(map[float64]float64),
			nr:        float64(len(ys)),
		}
		for _, v := range ys {
			acc.right[v]++
		}
		return acc
	case CriterionAbsoluteError:
		return &absoluteAccumulator{builder: b, ys: ys}
	default:
		acc := &varianceAccumulator{
			friedman: b.cfg.Criterion == CriterionFriedmanMSE,
			ys:       ys,
			nr:       float64(len(ys)),
			sr:       floats.Sum(ys),
		}
		for _, v := range ys {
			acc.sqr += v * v
		}
		return acc
	}
}

type classAccumulator struct {
	criterion   string
	ys          []float64
	pos         int
	left, right map[float64]float64
	nl, nr      float64
}

func (a *classAccumulator) moveLeft() {
	v := a.ys[a.pos]
	a.pos++
	a.left[v]++
	a.right[v]--
	a.nl++
	a.nr--
}

func (a *classAccumulator) cost() float64 {
	n := a.nl + a.nr
	return (a.nl*classImpurity(a.criterion, a.left, a.nl) + a.nr*classImpurity(a.criterion, a.right, a.nr)) / n
}

type varianceAccumulator struct {
	friedman bool
	ys       []float64
	pos      int
	nl, nr   float64
	sl, sr   float64
	sql, sqr float64
}

func (a *varianceAccumulator) moveLeft() {
	v := a.ys[a.pos]
	a.pos++
	a.nl++
	a.nr--
	a.sl += v
	a.sr -= v
	a.sql += v * v
	a.sqr -= v * v
}

func (a *varianceAccumulator) cost() float64 {
	ml, mr := a.sl/a.nl, a.sr/a.nr
	if a.friedman {
		diff := ml - mr
		return -(a.nl * a.nr * diff * diff) / (a.nl + a.nr)
	}
	// 加权方差之和 = Σ(y²) - n·mean²
	left := a.sql - a.nl*ml*ml
	right := a.sqr - a.nr*mr*mr
	return (left + right) / (a.nl + a.nr)
}

type absoluteAccumulator struct {
	builder *treeBuilder
	ys      []float64
	pos     int
}

func (a *absoluteAccumulator) moveLeft() {
	a.pos++
}

func (a *absoluteAccumulator) cost() float64 {
	return a.builder.splitCost(a.ys[:a.pos], a.ys[a.pos:])
}
