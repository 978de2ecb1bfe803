// Package ml 提供超参数调优所需的机器学习模型，全部以纯 Go 实现
package ml

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
)

var (
	ErrNotFitted         = errors.New("模型尚未训练")
	ErrEmptyDataset      = errors.New("训练数据为空")
	ErrDimensionMismatch = errors.New("数据维度不一致")
	ErrInvalidParameter  = errors.New("模型参数无效")
	ErrDiverged          = errors.New("训练过程发散")
)

type Task string

const (
	Classification Task = "classification"
	Regression     Task = "regression"
)

// Estimator 是可训练、可预测的模型
type Estimator interface {
	Fit(x [][]float64, y []float64) error
	Predict(x [][]float64) ([]float64, error)
}

func invalidParameter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// checkTrainingSet 校验训练数据并返回特征数
func checkTrainingSet(x [][]float64, y []float64) (int, error) {
	if len(x) == 0 {
		return 0, ErrEmptyDataset
	}
	if len(x) != len(y) {
		return 0, fmt.Errorf("%w: %d 行特征对应 %d 个标签", ErrDimensionMismatch, len(x), len(y))
	}

	nFeatures := len(x[0])
	if nFeatures == 0 {
		return 0, ErrEmptyDataset
	}
	for i, row := range x {
		if len(row) != nFeatures {
			return 0, fmt.Errorf("%w: 第 %d 行有 %d 个特征，应为 %d", ErrDimensionMismatch, i, len(row), nFeatures)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("%w: 第 %d 行包含非有限值", ErrInvalidParameter, i)
			}
		}
	}

	return nFeatures, nil
}

func checkPredictSet(x [][]float64, nFeatures int) error {
	for i, row := range x {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: 第 %d 行有 %d 个特征，应为 %d", ErrDimensionMismatch, i, len(row), nFeatures)
		}
	}
	return nil
}

// classLabels 返回升序排列的不同标签
func classLabels(y []float64) []float64 {
	labels := slices.Clone(y)
	slices.Sort(labels)
	return slices.Compact(labels)
}

// majority 返回出现次数最多的标签，次数相同时取较小的标签
func majority(counts map[float64]float64) float64 {
	best, bestCount := 0.0, -1.0
	for _, label := range slices.Sorted(maps.Keys(counts)) {
		if counts[label] > bestCount {
			best, bestCount = label, counts[label]
		}
	}
	return best
}

func rows(x [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

func values(y []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = y[j]
	}
	return out
}
