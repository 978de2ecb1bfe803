package ml

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/floats"
)

const (
	ActivationIdentity = "identity"
	ActivationLogistic = "logistic"
	ActivationTanh     = "tanh"
	ActivationReLU     = "relu"

	SolverSGD  = "sgd"
	SolverAdam = "adam"

	LearningRateConstant   = "constant"
	LearningRateInvScaling = "invscaling"
	LearningRateAdaptive   = "adaptive"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

type MLPConfig struct {
	Task               Task
	HiddenLayers       []int
	Activation         string
	Solver             string
	LearningRate       string
	LearningRateInit   float64
	PowerT             float64
	Momentum           float64
	Alpha              float64 // L2 正则系数
	BatchSize          int
	MaxIter            int
	Shuffle            bool
	EarlyStopping      bool
	ValidationFraction float64
	NIterNoChange      int
	Tol                float64
	Seed               int64
}

// MLP 是全连接前馈网络。
// 权重连续存放在一个切片里，每层每个神经元先存偏置、再存与上一层各输入相连的权重
type MLP struct {
	cfg     MLPConfig
	sizes   []int
	offsets []int
	weights []float64
	classes []float64
	iters   int
}

func NewMLP(cfg MLPConfig) *MLP {
	if cfg.Activation == "" {
		cfg.Activation = ActivationReLU
	}
	if cfg.Solver == "" {
		cfg.Solver = SolverAdam
	}
	if cfg.LearningRate == "" {
		cfg.LearningRate = LearningRateConstant
	}
	if cfg.LearningRateInit == 0 {
		cfg.LearningRateInit = 0.001
	}
	if cfg.PowerT == 0 {
		cfg.PowerT = 0.5
	}
	if cfg.Momentum == 0 {
		cfg.Momentum = 0.9
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 0.0001
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 200
	}
	if cfg.MaxIter == 0 {
		cfg.MaxIter = 200
	}
	if cfg.ValidationFraction == 0 {
		cfg.ValidationFraction = 0.1
	}
	if cfg.NIterNoChange == 0 {
		cfg.NIterNoChange = 10
	}
	if cfg.Tol == 0 {
		cfg.Tol = 1e-4
	}
	if len(cfg.HiddenLayers) == 0 {
		cfg.HiddenLayers = []int{100}
	}

	return &MLP{cfg: cfg}
}

func (m *MLP) validate() error {
	switch {
	case m.cfg.Task != Classification && m.cfg.Task != Regression:
		return invalidParameter("未知的任务类型 %q", m.cfg.Task)
	case !slices.Contains([]string{ActivationIdentity, ActivationLogistic, ActivationTanh, ActivationReLU}, m.cfg.Activation):
		return invalidParameter("未知的激活函数 %q", m.cfg.Activation)
	case m.cfg.Solver != SolverSGD && m.cfg.Solver != SolverAdam:
		return invalidParameter("未知的 solver %q", m.cfg.Solver)
	case !slices.Contains([]string{LearningRateConstant, LearningRateInvScaling, LearningRateAdaptive}, m.cfg.LearningRate):
		return invalidParameter("未知的学习率策略 %q", m.cfg.LearningRate)
	case m.cfg.LearningRateInit <= 0:
		return invalidParameter("learning_rate_init 必须为正数")
	case m.cfg.MaxIter < 1:
		return invalidParameter("max_iter 至少为 1")
	case m.cfg.BatchSize < 1:
		return invalidParameter("batch_size 至少为 1")
	case m.cfg.ValidationFraction <= 0 || m.cfg.ValidationFraction >= 1:
		return invalidParameter("validation_fraction 必须在 0 和 1 之间")
	}

	for _, size := range m.cfg.HiddenLayers {
		if size < 1 {
			return invalidParameter("隐藏层神经元数至少为 1")
		}
	}
	return nil
}

// Iterations 返回最近一次训练实际进行的轮数
func (m *MLP) Iterations() int {
	return m.iters
}

func (m *MLP) Fit(x [][]float64, y []float64) error {
	if err := m.validate(); err != nil {
		return err
	}
	nFeatures, err := checkTrainingSet(x, y)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(m.cfg.Seed))

	nOut := 1
	targets := y
	if m.cfg.Task == Classification {
		m.classes = classLabels(y)
		nOut = len(m.classes)
		targets = make([]float64, len(y))
		for i, v := range y {
			targets[i] = float64(slices.Index(m.classes, v))
		}
		// 只有一个类别时直接预测该类别
		if nOut == 1 {
			m.sizes = []int{nFeatures}
			m.weights = nil
			return nil
		}
	}

	m.sizes = append(append([]int{nFeatures}, m.cfg.HiddenLayers...), nOut)
	m.initWeights(rng)

	trainIdx := make([]int, len(x))
	for i := range trainIdx {
		trainIdx[i] = i
	}
	var validIdx []int
	earlyStopping := m.cfg.EarlyStopping && len(x) >= 2
	if earlyStopping {
		perm := rng.Perm(len(x))
		nValid := min(len(x)-1, max(1, int(float64(len(x))*m.cfg.ValidationFraction)))
		validIdx, trainIdx = perm[:nValid], perm[nValid:]
	}

	t := &trainer{
		mlp:      m,
		x:        x,
		y:        targets,
		lr:       m.cfg.LearningRateInit,
		grads:    make([]float64, len(m.weights)),
		velocity: make([]float64, len(m.weights)),
		moment:   make([]float64, len(m.weights)),
	}

	bestLoss := math.Inf(1)
	bestWeights := slices.Clone(m.weights)
	noImprovement := 0

	for epoch := 0; epoch < m.cfg.MaxIter; epoch++ {
		m.iters = epoch + 1
		if m.cfg.Shuffle {
			rng.Shuffle(len(trainIdx), func(i, j int) {
				trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i]
			})
		}

		if m.cfg.LearningRate == LearningRateInvScaling {
			t.lr = m.cfg.LearningRateInit / math.Pow(float64(epoch+1), m.cfg.PowerT)
		}

		loss := t.epoch(trainIdx)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return ErrDiverged
		}

		monitored := loss
		if earlyStopping {
			monitored = t.loss(validIdx)
		}

		if monitored < bestLoss-m.cfg.Tol {
			noImprovement = 0
		} else {
			noImprovement++
		}
		if monitored < bestLoss {
			bestLoss = monitored
			copy(bestWeights, m.weights)
		}

		if noImprovement >= m.cfg.NIterNoChange {
			// adaptive 策略下先降低学习率，学习率足够小后才停止
			if m.cfg.Solver == SolverSGD && m.cfg.LearningRate == LearningRateAdaptive && t.lr > 1e-6 {
				t.lr /= 5
				noImprovement = 0
				continue
			}
			break
		}
	}

	if earlyStopping {
		copy(m.weights, bestWeights)
	}

	return nil
}

func (m *MLP) Predict(x [][]float64) ([]float64, error) {
	if m.sizes == nil {
		return nil, ErrNotFitted
	}
	if err := checkPredictSet(x, m.sizes[0]); err != nil {
		return nil, err
	}

	out := make([]float64, len(x))
	if m.weights == nil {
		for i := range out {
			out[i] = m.classes[0]
		}
		return out, nil
	}

	acts := m.newActivations()
	for i, row := range x {
		m.forward(row, acts)
		output := acts[len(acts)-1]
		if m.cfg.Task == Classification {
			out[i] = m.classes[floats.MaxIdx(output)]
		} else {
			out[i] = output[0]
		}
	}
	return out, nil
}

func (m *MLP) layers() int {
	return len(m.sizes) - 1
}

func (m *MLP) initWeights(rng *rand.Rand) {
	m.offsets = make([]int, m.layers())
	total := 0
	for l := 0; l < m.layers(); l++ {
		m.offsets[l] = total
		total += (m.sizes[l] + 1) * m.sizes[l+1]
	}
	m.weights = make([]float64, total)

	// Glorot 均匀初始化
	factor := 6.0
	if m.cfg.Activation == ActivationLogistic {
		factor = 2.0
	}
	for l := 0; l < m.layers(); l++ {
		in, out := m.sizes[l], m.sizes[l+1]
		bound := math.Sqrt(factor / float64(in+out))
		layer := m.weights[m.offsets[l] : m.offsets[l]+(in+1)*out]
		for i := range layer {
			layer[i] = (rng.Float64()*2 - 1) * bound
		}
	}
}

func (m *MLP) newActivations() [][]float64 {
	acts := make([][]float64, len(m.sizes))
	for l := 1; l < len(m.sizes); l++ {
		acts[l] = make([]float64, m.sizes[l])
	}
	return acts
}

// forward 计算前向传播，acts[0] 指向输入，acts[l] 是第 l 层的输出
func (m *MLP) forward(row []float64, acts [][]float64) {
	acts[0] = row
	for l := 0; l < m.layers(); l++ {
		in := m.sizes[l]
		offset := m.offsets[l]
		for j := range acts[l+1] {
			sum := m.weights[offset] + floats.Dot(m.weights[offset+1:offset+1+in], acts[l])
			offset += in + 1

			if l < m.layers()-1 {
				sum = activate(m.cfg.Activation, sum)
			}
			acts[l+1][j] = sum
		}
	}

	if m.cfg.Task == Classification {
		output := acts[len(acts)-1]
		lse := floats.LogSumExp(output)
		for j := range output {
			output[j] = math.Exp(output[j] - lse)
		}
	}
}

func activate(name string, v float64) float64 {
	switch name {
	case ActivationLogistic:
		return 1 / (1 + math.Exp(-v))
	case ActivationTanh:
		return math.Tanh(v)
	case ActivationReLU:
		return max(0, v)
	default:
		return v
	}
}

// derivative 由激活后的输出计算导数
func derivative(name string, a float64) float64 {
	switch name {
	case ActivationLogistic:
		return a * (1 - a)
	case ActivationTanh:
		return 1 - a*a
	case ActivationReLU:
		if a > 0 {
			return 1
		}
		return 0
	default:
		return 1
	}
}

type trainer struct {
	mlp      *MLP
	x        [][]float64
	y        []float64
	lr       float64
	step     int
	grads    []float64
	velocity []float64
	moment   []float64
}

// epoch 按小批量训练一轮并返回训练集上的平均损失
func (t *trainer) epoch(idx []int) float64 {
	m := t.mlp
	batchSize := min(m.cfg.BatchSize, len(idx))
	acts := m.newActivations()
	deltas := m.newActivations()

	total := 0.0
	for start := 0; start < len(idx); start += batchSize {
		batch := idx[start:min(start+batchSize, len(idx))]
		clear(t.grads)

		for _, i := range batch {
			m.forward(t.x[i], acts)
			total += m.sampleLoss(acts[len(acts)-1], t.y[i])
			t.backward(acts, deltas, t.y[i])
		}

		n := float64(len(batch))
		floats.Scale(1/n, t.grads)
		t.regularize(n / float64(len(idx)))
		t.update()
	}

	return total / float64(len(idx))
}

func (m *MLP) sampleLoss(output []float64, target float64) float64 {
	if m.cfg.Task == Classification {
		p := max(output[int(target)], 1e-15)
		return -math.Log(p)
	}
	diff := output[0] - target
	return diff * diff / 2
}

func (t *trainer) loss(idx []int) float64 {
	m := t.mlp
	acts := m.newActivations()
	total := 0.0
	for _, i := range idx {
		m.forward(t.x[i], acts)
		total += m.sampleLoss(acts[len(acts)-1], t.y[i])
	}
	return total / float64(len(idx))
}

// backward 反向传播单个样本并把梯度累加到 t.grads
func (t *trainer) backward(acts, deltas [][]float64, target float64) {
	m := t.mlp
	last := m.layers()

	output := acts[last]
	copy(deltas[last], output)
	if m.cfg.Task == Classification {
		// softmax 与交叉熵合并后的梯度
		deltas[last][int(target)] -= 1
	} else {
		deltas[last][0] -= target
	}

	for l := last - 1; l >= 0; l-- {
		in := m.sizes[l]
		offset := m.offsets[l]

		if l > 0 {
			clear(deltas[l])
		}
		for _, delta := range deltas[l+1] {
			t.grads[offset] += delta
			floats.AddScaled(t.grads[offset+1:offset+1+in], delta, acts[l])
			if l > 0 {
				floats.AddScaled(deltas[l], delta, m.weights[offset+1:offset+1+in])
			}
			offset += in + 1
		}

		if l > 0 {
			for i, a := range acts[l] {
				deltas[l][i] *= derivative(m.cfg.Activation, a)
			}
		}
	}
}

// regularize 对除偏置以外的权重加上 L2 正则项的梯度
func (t *trainer) regularize(share float64) {
	m := t.mlp
	for l := 0; l < m.layers(); l++ {
		in := m.sizes[l]
		offset := m.offsets[l]
		for j := 0; j < m.sizes[l+1]; j++ {
			floats.AddScaled(t.grads[offset+1:offset+1+in], m.cfg.Alpha*share, m.weights[offset+1:offset+1+in])
			offset += in + 1
		}
	}
}

func (t *trainer) update() {
	m := t.mlp
	t.step++

	if m.cfg.Solver == SolverSGD {
		for i, g := range t.grads {
			t.velocity[i] = m.cfg.Momentum*t.velocity[i] - t.lr*g
			m.weights[i] += t.velocity[i]
		}
		return
	}

	step := float64(t.step)
	lr := t.lr * math.Sqrt(1-math.Pow(adamBeta2, step)) / (1 - math.Pow(adamBeta1, step))
	for i, g := range t.grads {
		t.velocity[i] = adamBeta1*t.velocity[i] + (1-adamBeta1)*g
		t.moment[i] = adamBeta2*t.moment[i] + (1-adamBeta2)*g*g
		m.weights[i] -= lr * t.velocity[i] / (math.Sqrt(t.moment[i]) + adamEpsilon)
	}
}
