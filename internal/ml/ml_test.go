package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepData() ([][]float64, []float64) {
	x := make([][]float64, 0, 8)
	y := make([]float64, 0, 8)
	for i := 1; i <= 8; i++ {
		x = append(x, []float64{float64(i)})
		if i > 4 {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}
	return x, y
}

func TestDecisionTreeClassifierSplitsAtMidpoint(t *testing.T) {
	for _, criterion := range []string{CriterionGini, CriterionEntropy, CriterionLogLoss} {
		t.Run(criterion, func(t *testing.T) {
			tree := NewDecisionTree(TreeConfig{Task: Classification, Criterion: criterion})
			require.NoError(t, tree.Fit([][]float64{{1}, {2}, {3}, {4}}, []float64{0, 0, 1, 1}))

			pred, err := tree.Predict([][]float64{{1.5}, {2.4}, {2.6}, {10}})
			require.NoError(t, err)
			assert.Equal(t, []float64{0, 0, 1, 1}, pred)
			assert.Equal(t, 1, tree.Depth())
		})
	}
}

func TestDecisionTreeRegressor(t *testing.T) {
	for _, criterion := range []string{CriterionSquaredError, CriterionFriedmanMSE, CriterionAbsoluteError} {
		t.Run(criterion, func(t *testing.T) {
			tree := NewDecisionTree(TreeConfig{Task: Regression, Criterion: criterion})
			require.NoError(t, tree.Fit([][]float64{{1}, {2}, {3}, {4}}, []float64{1, 1, 5, 5}))

			pred, err := tree.Predict([][]float64{{0}, {3.9}})
			require.NoError(t, err)
			assert.InDeltaSlice(t, []float64{1, 5}, pred, 1e-9)
		})
	}
}

func TestDecisionTreeMaxDepth(t *testing.T) {
	x := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}}
	y := []float64{0, 1, 0, 1, 0, 1}

	tree := NewDecisionTree(TreeConfig{Task: Classification, MaxDepth: 1})
	require.NoError(t, tree.Fit(x, y))
	assert.LessOrEqual(t, tree.Depth(), 1)

	full := NewDecisionTree(TreeConfig{Task: Classification})
	require.NoError(t, full.Fit(x, y))
	pred, err := full.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, y, pred)
}

func TestDecisionTreeMinSamplesLeaf(t *testing.T) {
	x, y := stepData()
	tree := NewDecisionTree(TreeConfig{Task: Classification, MinSamplesLeaf: 5})
	require.NoError(t, tree.Fit(x, y))

	// 8 个样本无法切成两个至少 5 个样本的叶子
	assert.Equal(t, 0, tree.Depth())
}

func TestDecisionTreeRandomSplitter(t *testing.T) {
	x, y := stepData()
	tree := NewDecisionTree(TreeConfig{Task: Classification, Splitter: SplitterRandom, Seed: 7})
	require.NoError(t, tree.Fit(x, y))

	pred, err := tree.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, 1.0, Accuracy(y, pred))
}

func TestDecisionTreeInvalidParameters(t *testing.T) {
	x, y := stepData()
	cases := []TreeConfig{
		{Task: Classification, Criterion: CriterionSquaredError},
		{Task: Regression, Criterion: CriterionGini},
		{Task: Classification, MinSamplesSplit: 1},
		{Task: Classification, MaxDepth: -1},
		{Task: Classification, Splitter: "worst"},
		{Task: Classification, MaxFeatures: "half"},
		{Task: "clustering"},
	}
	for _, cfg := range cases {
		err := NewDecisionTree(cfg).Fit(x, y)
		assert.ErrorIs(t, err, ErrInvalidParameter, "%+v", cfg)
	}
}

func TestEstimatorsRequireFit(t *testing.T) {
	estimators := []Estimator{
		NewDecisionTree(TreeConfig{Task: Classification}),
		NewRandomForest(ForestConfig{Tree: TreeConfig{Task: Classification}}),
		NewKNearestNeighbors(KNNConfig{Task: Classification}),
		NewMLP(MLPConfig{Task: Classification}),
	}
	for _, e := range estimators {
		_, err := e.Predict([][]float64{{1}})
		assert.ErrorIs(t, err, ErrNotFitted)
	}
}

func TestTrainingSetValidation(t *testing.T) {
	tree := NewDecisionTree(TreeConfig{Task: Classification})

	assert.ErrorIs(t, tree.Fit(nil, nil), ErrEmptyDataset)
	assert.ErrorIs(t, tree.Fit([][]float64{{1}, {2}}, []float64{1}), ErrDimensionMismatch)
	assert.ErrorIs(t, tree.Fit([][]float64{{1}, {2, 3}}, []float64{1, 2}), ErrDimensionMismatch)

	require.NoError(t, tree.Fit([][]float64{{1}, {2}}, []float64{0, 1}))
	_, err := tree.Predict([][]float64{{1, 2}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRandomForest(t *testing.T) {
	x, y := stepData()
	forest := NewRandomForest(ForestConfig{
		Tree:       TreeConfig{Task: Classification, Seed: 42},
		Estimators: 15,
		Bootstrap:  true,
	})
	require.NoError(t, forest.Fit(x, y))

	pred, err := forest.Predict(x)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, Accuracy(y, pred), 0.875)

	err = NewRandomForest(ForestConfig{Tree: TreeConfig{Task: Classification}, Estimators: -1}).Fit(x, y)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestRandomForestRegressorAveragesTrees(t *testing.T) {
	forest := NewRandomForest(ForestConfig{
		Tree:       TreeConfig{Task: Regression},
		Estimators: 3,
	})
	require.NoError(t, forest.Fit([][]float64{{1}, {2}}, []float64{2, 4}))

	// 不做自助采样时每棵树都相同
	pred, err := forest.Predict([][]float64{{1}, {2}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 4}, pred, 1e-9)
}

func TestKNearestNeighbors(t *testing.T) {
	x := [][]float64{{0}, {1}, {10}, {11}}

	clf := NewKNearestNeighbors(KNNConfig{Task: Classification, Neighbors: 3})
	require.NoError(t, clf.Fit(x, []float64{0, 0, 1, 1}))
	pred, err := clf.Predict([][]float64{{0.5}, {10.5}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, pred)

	reg := NewKNearestNeighbors(KNNConfig{Task: Regression, Neighbors: 2, Weights: WeightsDistance, P: 1})
	require.NoError(t, reg.Fit(x, []float64{0, 2, 10, 12}))
	pred, err = reg.Predict([][]float64{{1}, {0.5}})
	require.NoError(t, err)
	assert.InDelta(t, 2, pred[0], 1e-9)
	assert.InDelta(t, 1, pred[1], 1e-9)

	assert.ErrorIs(t, NewKNearestNeighbors(KNNConfig{Task: Classification, Weights: "inverse"}).Fit(x, []float64{0, 0, 1, 1}), ErrInvalidParameter)
}

func TestMLPClassifierLearnsSeparableData(t *testing.T) {
	x := make([][]float64, 0, 40)
	y := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		offset := float64(i) / 20
		x = append(x, []float64{-2 + offset, -1 - offset}, []float64{1 + offset, 2 - offset})
		y = append(y, 0, 1)
	}

	mlp := NewMLP(MLPConfig{
		Task:             Classification,
		HiddenLayers:     []int{4},
		Activation:       ActivationTanh,
		LearningRateInit: 0.01,
		MaxIter:          500,
		Tol:              1e-9,
		Shuffle:          true,
		Seed:             42,
	})
	require.NoError(t, mlp.Fit(x, y))

	pred, err := mlp.Predict(x)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, Accuracy(y, pred), 0.95)
}

func TestMLPRegressorLearnsLinearFunction(t *testing.T) {
	x := make([][]float64, 0, 21)
	y := make([]float64, 0, 21)
	for i := -10; i <= 10; i++ {
		v := float64(i) / 10
		x = append(x, []float64{v})
		y = append(y, 2*v+1)
	}

	mlp := NewMLP(MLPConfig{
		Task:             Regression,
		HiddenLayers:     []int{3},
		Activation:       ActivationIdentity,
		LearningRateInit: 0.01,
		MaxIter:          2000,
		Tol:              1e-12,
		Seed:             1,
	})
	require.NoError(t, mlp.Fit(x, y))

	pred, err := mlp.Predict(x)
	require.NoError(t, err)
	assert.Less(t, MeanAbsoluteError(y, pred), 0.1)
}

func TestMLPEarlyStoppingAndSingleClass(t *testing.T) {
	x, y := stepData()
	mlp := NewMLP(MLPConfig{Task: Classification, HiddenLayers: []int{2}, EarlyStopping: true, MaxIter: 50})
	require.NoError(t, mlp.Fit(x, y))
	assert.LessOrEqual(t, mlp.Iterations(), 50)

	single := NewMLP(MLPConfig{Task: Classification})
	require.NoError(t, single.Fit(x, make([]float64, len(x))))
	pred, err := single.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, make([]float64, len(x)), pred)
}

func TestMLPDiverges(t *testing.T) {
	x, _ := stepData()
	y := make([]float64, len(x))
	for i := range y {
		y[i] = 1000 * float64(i)
	}

	mlp := NewMLP(MLPConfig{
		Task:             Regression,
		HiddenLayers:     []int{4},
		Activation:       ActivationIdentity,
		Solver:           SolverSGD,
		LearningRateInit: 1e30,
	})
	assert.ErrorIs(t, mlp.Fit(x, y), ErrDiverged)
}

func TestMLPInvalidParameters(t *testing.T) {
	x, y := stepData()
	cases := []MLPConfig{
		{Task: Classification, Activation: "softplus"},
		{Task: Classification, Solver: "lbfgs"},
		{Task: Classification, LearningRate: "cyclic"},
		{Task: Classification, HiddenLayers: []int{3, 0}},
		{Task: Classification, ValidationFraction: 1.5},
	}
	for _, cfg := range cases {
		assert.ErrorIs(t, NewMLP(cfg).Fit(x, y), ErrInvalidParameter, "%+v", cfg)
	}
}

func TestClassificationMetrics(t *testing.T) {
	yTrue := []float64{0, 0, 1, 1}
	yPred := []float64{0, 1, 1, 1}

	assert.InDelta(t, 0.75, Accuracy(yTrue, yPred), 1e-9)
	assert.InDelta(t, 0.75, Precision(yTrue, yPred, AverageMicro), 1e-9)
	assert.InDelta(t, 0.75, Recall(yTrue, yPred, AverageMicro), 1e-9)
	assert.InDelta(t, 0.75, F1(yTrue, yPred, AverageMicro), 1e-9)

	assert.InDelta(t, (1+2.0/3)/2, Precision(yTrue, yPred, AverageWeighted), 1e-9)
	assert.InDelta(t, 0.75, Recall(yTrue, yPred, AverageWeighted), 1e-9)
	assert.InDelta(t, (2.0/3+0.8)/2, F1(yTrue, yPred, AverageWeighted), 1e-9)

	assert.InDelta(t, 0.5, ConfusionGap(yTrue, yPred), 1e-9)
	assert.InDelta(t, 0, ConfusionGap(yTrue, yTrue), 1e-9)
}

func TestRegressionMetrics(t *testing.T) {
	yTrue := []float64{1, 2, 3}

	assert.InDelta(t, 1, RSquared(yTrue, yTrue), 1e-9)

	constant := []float64{0, 0, 0}
	assert.Equal(t, 1.0, RSquared(constant, []float64{0, 0, 0}))
	assert.Equal(t, 0.0, RSquared(constant, []float64{0, 1, 0}))
	assert.Equal(t, 0.0, RSquared(nil, nil))
	assert.InDelta(t, 1, MeanAbsoluteError(yTrue, []float64{2, 2, 5}), 1e-9)
	assert.Equal(t, []float64{0, 1, 1}, Binarize([]float64{-0.5, 0, 3}))
}
