package tuning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/dataset"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/ml"
	"golang.org/x/sync/errgroup"
)

// Method 决定如何解释模型的预测结果
type Method string

const (
	MethodClassification Method = "classification"
	MethodRegression     Method = "regression"
	// MethodRegressionThenClassification 先做回归，再按预测值的符号划分为两类
	MethodRegressionThenClassification Method = "regression_then_classification"
)

// Criterion 是进化时使用的评价指标
type Criterion string

const (
	CriterionAccuracy     Criterion = "accuracy"
	CriterionPrecision    Criterion = "precision"
	CriterionRecall       Criterion = "recall"
	CriterionF1           Criterion = "f1"
	CriterionConfusionGap Criterion = "confusion_gap"
	CriterionR2           Criterion = "r2"
	CriterionMAE          Criterion = "mae"
)

// LowerIsBetter 表示指标越小越好，作为适应度时需要取相反数
func (c Criterion) LowerIsBetter() bool {
	return c == CriterionMAE || c == CriterionConfusionGap
}

var (
	classificationCriteria = []Criterion{CriterionAccuracy, CriterionPrecision, CriterionRecall, CriterionF1, CriterionConfusionGap}
	regressionCriteria     = []Criterion{CriterionR2, CriterionMAE}
)

// Criteria 返回评估方式支持的评价指标
func (m Method) Criteria() []Criterion {
	switch m {
	case MethodClassification:
		return classificationCriteria
	case MethodRegression:
		return regressionCriteria
	case MethodRegressionThenClassification:
		return append(slices.Clone(regressionCriteria), classificationCriteria...)
	}
	return nil
}

// Task 返回评估方式要求的算法任务类型
func (m Method) Task() ml.Task {
	if m == MethodClassification {
		return ml.Classification
	}
	return ml.Regression
}

type EvaluatorConfig struct {
	Method          Method    `json:"method" yaml:"method" validate:"required,oneof=classification regression regression_then_classification"`
	Criterion       Criterion `json:"criterion" yaml:"criterion" validate:"required,oneof=accuracy precision recall f1 confusion_gap r2 mae"`
	CrossValidation bool      `json:"crossValidation" yaml:"cross_validation"`
	Folds           int       `json:"folds" yaml:"folds" validate:"omitempty,min=2"`
	TestFraction    float64   `json:"testFraction" yaml:"test_fraction" validate:"omitempty,gt=0,lt=1"`
	CVJobs          int       `json:"cvJobs" yaml:"cv_jobs" validate:"omitempty,min=1"`
	Seed            int64     `json:"seed" yaml:"seed"`
}

func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		Method:       MethodClassification,
		Criterion:    CriterionAccuracy,
		Folds:        7,
		TestFraction: 0.2,
		CVJobs:       2,
		Seed:         42,
	}
}

// Evaluator 在固定的数据划分上训练并评估模型，划分在构造时确定，所有个体共用
type Evaluator struct {
	cfg     EvaluatorConfig
	data    *dataset.Dataset
	holdout dataset.Split
	folds   []dataset.Split
	logger  *slog.Logger
}

func NewEvaluator(data *dataset.Dataset, cfg EvaluatorConfig, logger *slog.Logger) (*Evaluator, error) {
	defaults := DefaultEvaluatorConfig()
	if cfg.Folds == 0 {
		cfg.Folds = defaults.Folds
	}
	if cfg.TestFraction == 0 {
		cfg.TestFraction = defaults.TestFraction
	}
	if cfg.CVJobs == 0 {
		cfg.CVJobs = defaults.CVJobs
	}
	if logger == nil {
		logger = slog.Default()
	}

	criteria := cfg.Method.Criteria()
	if criteria == nil {
		return nil, fmt.Errorf("%w: 未知的评估方式 %q", ErrIncompatible, cfg.Method)
	}
	if !slices.Contains(criteria, cfg.Criterion) {
		return nil, fmt.Errorf("%w: 评估方式 %s 不支持指标 %s", ErrIncompatible, cfg.Method, cfg.Criterion)
	}
	if cfg.Method == MethodClassification && cfg.Criterion == CriterionConfusionGap && !binaryLabels(data.Y) {
		return nil, fmt.Errorf("%w: %s 只适用于标签为 0 和 1 的二分类", ErrIncompatible, CriterionConfusionGap)
	}

	e := &Evaluator{cfg: cfg, data: data, logger: logger}

	var err error
	if cfg.CrossValidation {
		e.folds, err = dataset.KFold(data.Len(), cfg.Folds, cfg.Seed)
	} else {
		e.holdout, err = dataset.TrainTestSplit(data.Len(), cfg.TestFraction, cfg.Seed)
	}
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Evaluator) Config() EvaluatorConfig {
	return e.cfg
}

// Evaluate 训练模型并写回指标与适应度。
// 模型训练失败时适应度为 WorstScore，只有 context 被取消时才返回错误
func (e *Evaluator) Evaluate(ctx context.Context, m *Model) error {
	metrics, err := e.Measure(ctx, m)
	if err != nil {
		var fitErr *ModelFitError
		if !errors.As(err, &fitErr) {
			return err
		}

		e.logger.Warn("模型训练失败", "algorithm", m.Algorithm, "parameters", m.Parameters, "error", fitErr.Err)
		m.Metrics = nil
		m.Score = evolution.WorstScore
		return nil
	}

	m.Metrics = metrics
	m.Score = e.Score(metrics)
	return nil
}

// Score 把指标转换为适应度，越大越好
func (e *Evaluator) Score(metrics Metrics) float64 {
	score, ok := metrics[string(e.cfg.Criterion)]
	if !ok || math.IsNaN(score) || math.IsInf(score, 0) {
		return evolution.WorstScore
	}
	if e.cfg.Criterion.LowerIsBetter() {
		return -score
	}
	return score
}

// Measure 按配置的方式（留出法或 K 折交叉验证）计算模型的各项指标
func (e *Evaluator) Measure(ctx context.Context, m *Model) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := m.resolve(); err != nil {
		return nil, err
	}

	if !e.cfg.CrossValidation {
		est, err := m.Estimator()
		if err != nil {
			return nil, err
		}
		return e.fold(m, est, e.holdout, ml.AverageMicro)
	}

	results := make([]Metrics, len(e.folds))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.CVJobs)
	for i, split := range e.folds {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			est, err := m.NewEstimator()
			if err != nil {
				return err
			}
			results[i], err = e.fold(m, est, split, ml.AverageWeighted)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return meanMetrics(results), nil
}

func (e *Evaluator) fold(m *Model, est ml.Estimator, split dataset.Split, average ml.Average) (Metrics, error) {
	xTrain, yTrain := e.data.Subset(split.Train)
	if err := est.Fit(xTrain, yTrain); err != nil {
		return nil, &ModelFitError{Algorithm: m.Algorithm, Parameters: m.Parameters, Err: err}
	}

	xTest, yTest := e.data.Subset(split.Test)
	pred, err := est.Predict(xTest)
	if err != nil {
		return nil, &ModelFitError{Algorithm: m.Algorithm, Parameters: m.Parameters, Err: err}
	}

	return e.metrics(yTest, pred, average), nil
}

func (e *Evaluator) metrics(yTrue, yPred []float64, average ml.Average) Metrics {
	metrics := make(Metrics)

	if e.cfg.Method != MethodClassification {
		metrics[string(CriterionR2)] = ml.RSquared(yTrue, yPred)
		metrics[string(CriterionMAE)] = ml.MeanAbsoluteError(yTrue, yPred)
	}
	if e.cfg.Method == MethodRegression {
		return metrics
	}

	if e.cfg.Method == MethodRegressionThenClassification {
		yTrue, yPred = ml.Binarize(yTrue), ml.Binarize(yPred)
	}

	metrics[string(CriterionAccuracy)] = ml.Accuracy(yTrue, yPred)
	metrics[string(CriterionPrecision)] = ml.Precision(yTrue, yPred, average)
	metrics[string(CriterionRecall)] = ml.Recall(yTrue, yPred, average)
	metrics[string(CriterionF1)] = ml.F1(yTrue, yPred, average)
	if binaryLabels(yTrue) && binaryLabels(yPred) {
		metrics[string(CriterionConfusionGap)] = ml.ConfusionGap(yTrue, yPred)
	}

	return finite(metrics)
}

// finite 去掉无法序列化为 JSON 的指标
func finite(metrics Metrics) Metrics {
	maps.DeleteFunc(metrics, func(_ string, v float64) bool {
		return math.IsNaN(v) || math.IsInf(v, 0)
	})
	return metrics
}

// meanMetrics 对各折的同名指标取平均，只在部分折中出现的指标按出现的折数平均
func meanMetrics(results []Metrics) Metrics {
	sums := make(Metrics)
	counts := make(map[string]int)
	for _, r := range results {
		for k, v := range r {
			sums[k] += v
			counts[k]++
		}
	}
	for k := range sums {
		sums[k] /= float64(counts[k])
	}
	return sums
}

func binaryLabels(y []float64) bool {
	for _, v := range y {
		if v != 0 && v != 1 {
			return false
		}
	}
	return true
}

// MeanReported 返回种群按指标原始含义的平均值，用于日志和报告：
// 越大越好的指标乘以 100 表示为百分比，越小越好的指标恢复为正数。训练失败的个体不计入
func MeanReported(pop []*Model, criterion Criterion) float64 {
	total, n := 0.0, 0
	for _, m := range pop {
		if math.IsInf(m.Score, 0) || math.IsNaN(m.Score) {
			continue
		}
		total += m.Score
		n++
	}
	if n == 0 {
		return 0
	}

	if criterion.LowerIsBetter() {
		return -total / float64(n)
	}
	return total * 100 / float64(n)
}
