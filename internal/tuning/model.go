// Package tuning 用遗传算法搜索机器学习模型的超参数
package tuning

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/ml"
)

var (
	ErrUnknownAlgorithm = errors.New("未知的算法")
	ErrUnknownParameter = errors.New("参数缺失或类型错误")
	ErrIncompatible     = errors.New("评估方式与算法或数据不匹配")
)

// Parameters 是一组超参数，值只会是 int、string、bool 之一
type Parameters map[string]any

// Domain 是每个超参数的可选取值，按声明顺序排列
type Domain map[string][]any

// Keys 按字典序返回超参数名，保证同一随机种子下的结果可复现
func (d Domain) Keys() []string {
	return slices.Sorted(maps.Keys(d))
}

// Metrics 是一次评估得到的各项指标
type Metrics map[string]float64

// ModelFitError 表示模型在构造、训练或预测时失败，只影响当前个体
type ModelFitError struct {
	Algorithm  string
	Parameters Parameters
	Err        error
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("训练模型 %s 失败 (参数 %v): %v", e.Algorithm, e.Parameters, e.Err)
}

func (e *ModelFitError) Unwrap() error {
	return e.Err
}

// Model 是超参数调优中的个体
type Model struct {
	Algorithm  string     `json:"algorithm"`
	Parameters Parameters `json:"parameters"`
	Seed       int64      `json:"seed"`
	Score      float64    `json:"score"`
	Metrics    Metrics    `json:"metrics,omitempty"`

	algorithm Algorithm
	estimator ml.Estimator
}

func NewModel(alg Algorithm, params Parameters, seed int64) *Model {
	return &Model{
		Algorithm:  alg.Name(),
		Parameters: params,
		Seed:       seed,
		algorithm:  alg,
	}
}

func (m *Model) Fitness() float64 {
	return m.Score
}

// Clone 返回深拷贝，已构造的估计器不会被拷贝
func (m *Model) Clone() *Model {
	return &Model{
		Algorithm:  m.Algorithm,
		Parameters: maps.Clone(m.Parameters),
		Seed:       m.Seed,
		Score:      m.Score,
		Metrics:    maps.Clone(m.Metrics),
		algorithm:  m.algorithm,
	}
}

// Estimator 返回模型持有的估计器，尚未构造时按当前参数构造
func (m *Model) Estimator() (ml.Estimator, error) {
	if m.estimator != nil {
		return m.estimator, nil
	}

	est, err := m.NewEstimator()
	if err != nil {
		return nil, err
	}
	m.estimator = est
	return est, nil
}

// NewEstimator 按当前参数构造一个新的估计器，不影响模型持有的估计器
func (m *Model) NewEstimator() (ml.Estimator, error) {
	alg, err := m.resolve()
	if err != nil {
		return nil, err
	}

	est, err := alg.Build(m.Parameters, m.Seed)
	if err != nil {
		return nil, &ModelFitError{Algorithm: m.Algorithm, Parameters: m.Parameters, Err: err}
	}
	return est, nil
}

// resolve 返回模型对应的算法，从 JSON 还原的模型按名称查找
func (m *Model) resolve() (Algorithm, error) {
	if m.algorithm != nil {
		return m.algorithm, nil
	}

	alg, err := Lookup(m.Algorithm)
	if err != nil {
		return nil, err
	}
	m.algorithm = alg
	return alg, nil
}

// set 修改一个超参数，已构造的估计器随之失效
func (m *Model) set(name string, value any) {
	m.Parameters[name] = value
	m.estimator = nil
}

func (m *Model) String() string {
	return fmt.Sprintf("%s %.4f %v", m.Algorithm, m.Score, m.Parameters)
}
