package tuning

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/ml"
)

// Algorithm 描述一种可调优的模型：它的任务类型、超参数取值范围以及如何按参数构造估计器
type Algorithm interface {
	Name() string
	Task() ml.Task
	Domain() Domain
	Build(params Parameters, seed int64) (ml.Estimator, error)
}

type Estimator = ml.Estimator

const (
	DecisionTreeClassifier = "decision_tree_classifier"
	DecisionTreeRegressor  = "decision_tree_regressor"
	MLPClassifier          = "mlp_classifier"
	MLPRegressor           = "mlp_regressor"
	RandomForestClassifier = "random_forest_classifier"
	RandomForestRegressor  = "random_forest_regressor"
	KNNClassifier          = "knn_classifier"
	KNNRegressor           = "knn_regressor"
)

// 神经网络隐藏层的排布方式
const (
	LayoutDiamond = "diamond"
	LayoutFlat    = "flat"
)

// 神经网络训练时的固定参数
const (
	mlpMaxIter = 10000
)

type algorithm struct {
	name   string
	task   ml.Task
	domain Domain
	build  func(r *paramReader, task ml.Task, seed int64) ml.Estimator
}

func (a *algorithm) Name() string {
	return a.name
}

func (a *algorithm) Task() ml.Task {
	return a.task
}

func (a *algorithm) Domain() Domain {
	return a.domain
}

func (a *algorithm) Build(params Parameters, seed int64) (ml.Estimator, error) {
	r := &paramReader{params: params}
	est := a.build(r, a.task, seed)
	if r.err != nil {
		return nil, r.err
	}
	return est, nil
}

var registry = map[string]Algorithm{}

func register(a *algorithm) {
	registry[a.name] = a
}

func Lookup(name string) (Algorithm, error) {
	alg, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, name)
	}
	return alg, nil
}

// Algorithms 按字典序返回所有已注册的算法名
func Algorithms() []string {
	return slices.Sorted(maps.Keys(registry))
}

func init() {
	register(&algorithm{
		name: DecisionTreeClassifier,
		task: ml.Classification,
		domain: Domain{
			"criterion":         values(ml.CriterionGini, ml.CriterionEntropy, ml.CriterionLogLoss),
			"max_depth":         intRange(4, 257, 8),
			"min_samples_split": intRange(4, 64, 4),
			"min_samples_leaf":  intRange(4, 64, 4),
			"splitter":          values(ml.SplitterBest, ml.SplitterRandom),
		},
		build: buildTree,
	})

	register(&algorithm{
		name: DecisionTreeRegressor,
		task: ml.Regression,
		domain: Domain{
			"criterion":         values(ml.CriterionSquaredError, ml.CriterionFriedmanMSE, ml.CriterionAbsoluteError),
			"max_depth":         intRange(8, 129, 8),
			"min_samples_split": intRange(24, 129, 16),
			"min_samples_leaf":  intRange(24, 129, 16),
			"max_features":      values("auto", "sqrt", "log2"),
			"splitter":          values(ml.SplitterBest, ml.SplitterRandom),
		},
		build: buildTree,
	})

	register(&algorithm{
		name: MLPClassifier,
		task: ml.Classification,
		domain: Domain{
			"io_neurons":        intRange(10, 16, 1),
			"generator_neurons": intRange(20, 51, 1),
			"hidden_count":      intRange(1, 11, 1),
			"hidden_layout":     values(LayoutDiamond, LayoutFlat),
			"activation":        values(ml.ActivationIdentity, ml.ActivationLogistic, ml.ActivationTanh, ml.ActivationReLU),
			"solver":            values(ml.SolverSGD, ml.SolverAdam),
			"shuffle":           values(true, false),
		},
		build: buildMLP,
	})

	register(&algorithm{
		name: MLPRegressor,
		task: ml.Regression,
		domain: Domain{
			"io_neurons":        intRange(2, 16, 1),
			"generator_neurons": intRange(2, 33, 1),
			"hidden_count":      intRange(1, 8, 1),
			"hidden_layout":     values(LayoutDiamond, LayoutFlat),
			"activation":        values(ml.ActivationIdentity, ml.ActivationLogistic, ml.ActivationTanh, ml.ActivationReLU),
			"learning_rate":     values(ml.LearningRateConstant, ml.LearningRateInvScaling, ml.LearningRateAdaptive),
			"solver":            values(ml.SolverSGD, ml.SolverAdam),
			"shuffle":           values(true, false),
		},
		build: buildMLP,
	})

	forestDomain := func(criteria ...any) Domain {
		return Domain{
			"n_estimators":     values(10, 25, 50, 100),
			"criterion":        criteria,
			"max_depth":        intRange(4, 33, 4),
			"min_samples_leaf": values(1, 2, 4, 8),
			"max_features":     values("auto", "sqrt", "log2"),
			"bootstrap":        values(true, false),
		}
	}
	register(&algorithm{
		name:   RandomForestClassifier,
		task:   ml.Classification,
		domain: forestDomain(ml.CriterionGini, ml.CriterionEntropy),
		build:  buildForest,
	})
	register(&algorithm{
		name:   RandomForestRegressor,
		task:   ml.Regression,
		domain: forestDomain(ml.CriterionSquaredError, ml.CriterionFriedmanMSE),
		build:  buildForest,
	})

	knnDomain := Domain{
		"n_neighbors": intRange(1, 31, 1),
		"weights":     values(ml.WeightsUniform, ml.WeightsDistance),
		"p":           values(1, 2),
	}
	register(&algorithm{
		name:   KNNClassifier,
		task:   ml.Classification,
		domain: knnDomain,
		build:  buildKNN,
	})
	register(&algorithm{
		name:   KNNRegressor,
		task:   ml.Regression,
		domain: knnDomain,
		build:  buildKNN,
	})
}

func buildTree(r *paramReader, task ml.Task, seed int64) ml.Estimator {
	return ml.NewDecisionTree(ml.TreeConfig{
		Task:            task,
		Criterion:       r.string("criterion"),
		MaxDepth:        r.int("max_depth"),
		MinSamplesSplit: r.int("min_samples_split"),
		MinSamplesLeaf:  r.int("min_samples_leaf"),
		Splitter:        r.string("splitter"),
		MaxFeatures:     r.optionalString("max_features"),
		Seed:            seed,
	})
}

func buildMLP(r *paramReader, task ml.Task, seed int64) ml.Estimator {
	cfg := ml.MLPConfig{
		Task:          task,
		HiddenLayers:  hiddenLayers(r),
		Activation:    r.string("activation"),
		Solver:        r.string("solver"),
		Shuffle:       r.bool("shuffle"),
		LearningRate:  r.optionalString("learning_rate"),
		EarlyStopping: true,
		MaxIter:       mlpMaxIter,
		Seed:          seed,
	}
	return ml.NewMLP(cfg)
}

func buildForest(r *paramReader, task ml.Task, seed int64) ml.Estimator {
	return ml.NewRandomForest(ml.ForestConfig{
		Tree: ml.TreeConfig{
			Task:           task,
			Criterion:      r.string("criterion"),
			MaxDepth:       r.int("max_depth"),
			MinSamplesLeaf: r.int("min_samples_leaf"),
			MaxFeatures:    r.string("max_features"),
			Seed:           seed,
		},
		Estimators: r.int("n_estimators"),
		Bootstrap:  r.bool("bootstrap"),
	})
}

func buildKNN(r *paramReader, task ml.Task, _ int64) ml.Estimator {
	return ml.NewKNearestNeighbors(ml.KNNConfig{
		Task:      task,
		Neighbors: r.int("n_neighbors"),
		Weights:   r.string("weights"),
		P:         float64(r.int("p")),
	})
}

/**
 * 由生成参数得到隐藏层结构，首尾两层的神经元数为 io_neurons
 * diamond: 中间各层依次为 generator*1, generator*2, ... 再对称递减，层数为奇数时在正中间加一层（前一层的两倍）
 * flat: 中间各层都是 generator
 */
func hiddenLayers(r *paramReader) []int {
	io := r.int("io_neurons")
	gen := r.int("generator_neurons")
	count := r.int("hidden_count")
	layout := r.string("hidden_layout")

	layers := []int{io}
	if layout == LayoutDiamond {
		half := make([]int, 0, count/2)
		for i := 1; i <= count/2; i++ {
			half = append(half, gen*i)
		}
		layers = append(layers, half...)
		if count%2 == 1 {
			layers = append(layers, layers[len(layers)-1]*2)
		}
		slices.Reverse(half)
		layers = append(layers, half...)
	} else {
		for i := 0; i < count; i++ {
			layers = append(layers, gen)
		}
	}

	return append(layers, io)
}

// HiddenLayers 返回一组神经网络参数对应的隐藏层结构
func HiddenLayers(params Parameters) ([]int, error) {
	r := &paramReader{params: params}
	layers := hiddenLayers(r)
	if r.err != nil {
		return nil, r.err
	}
	return layers, nil
}

func values(v ...any) []any {
	return v
}

// intRange 与 range(start, stop, step) 相同，不包含 stop
func intRange(start, stop, step int) []any {
	out := make([]any, 0, (stop-start+step-1)/step)
	for v := start; v < stop; v += step {
		out = append(out, v)
	}
	return out
}

// paramReader 按类型读取参数，记录遇到的第一个错误
type paramReader struct {
	params Parameters
	err    error
}

func (r *paramReader) fail(name string, value any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s = %v", ErrUnknownParameter, name, value)
	}
}

func (r *paramReader) int(name string) int {
	switch v := r.params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// JSON 解码得到的数字
		if v == float64(int(v)) {
			return int(v)
		}
	}
	r.fail(name, r.params[name])
	return 0
}

func (r *paramReader) string(name string) string {
	v, ok := r.params[name].(string)
	if !ok {
		r.fail(name, r.params[name])
	}
	return v
}

func (r *paramReader) optionalString(name string) string {
	if _, ok := r.params[name]; !ok {
		return ""
	}
	return r.string(name)
}

func (r *paramReader) bool(name string) bool {
	v, ok := r.params[name].(bool)
	if !ok {
		r.fail(name, r.params[name])
	}
	return v
}
