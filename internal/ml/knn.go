package ml

import (
	"cmp"
	"slices"

	"gonum.org/v1/gonum/floats"
)

const (
	WeightsUniform  = "uniform"
	WeightsDistance = "distance"
)

type KNNConfig struct {
	Task      Task
	Neighbors int
	Weights   string
	P         float64 // 1 为曼哈顿距离，2 为欧氏距离
}

// KNearestNeighbors 保存全部训练样本，预测时在其中查找最近的 k 个邻居
type KNearestNeighbors struct {
	cfg KNNConfig
	x   [][]float64
	y   []float64
}

func NewKNearestNeighbors(cfg KNNConfig) *KNearestNeighbors {
	if cfg.Neighbors == 0 {
		cfg.Neighbors = 5
	}
	if cfg.Weights == "" {
		cfg.Weights = WeightsUniform
	}
	if cfg.P == 0 {
		cfg.P = 2
	}
	return &KNearestNeighbors{cfg: cfg}
}

func (k *KNearestNeighbors) Fit(x [][]float64, y []float64) error {
	switch {
	case k.cfg.Neighbors < 1:
		return invalidParameter("n_neighbors 至少为 1")
	case k.cfg.Weights != WeightsUniform && k.cfg.Weights != WeightsDistance:
		return invalidParameter("未知的 weights %q", k.cfg.Weights)
	case k.cfg.P < 1:
		return invalidParameter("p 至少为 1")
	}
	if _, err := checkTrainingSet(x, y); err != nil {
		return err
	}

	k.x = x
	k.y = y
	return nil
}

type neighbor struct {
	distance float64
	label    float64
}

func (k *KNearestNeighbors) Predict(x [][]float64) ([]float64, error) {
	if k.x == nil {
		return nil, ErrNotFitted
	}
	if err := checkPredictSet(x, len(k.x[0])); err != nil {
		return nil, err
	}

	n := min(k.cfg.Neighbors, len(k.x))
	out := make([]float64, len(x))
	for i, row := range x {
		neighbors := make([]neighbor, len(k.x))
		for j, train := range k.x {
			neighbors[j] = neighbor{distance: floats.Distance(row, train, k.cfg.P), label: k.y[j]}
		}
		slices.SortStableFunc(neighbors, func(a, b neighbor) int {
			return cmp.Compare(a.distance, b.distance)
		})
		out[i] = k.aggregate(neighbors[:n])
	}

	return out, nil
}

func (k *KNearestNeighbors) aggregate(neighbors []neighbor) float64 {
	weights := make([]float64, len(neighbors))
	for i, nb := range neighbors {
		weights[i] = 1
		if k.cfg.Weights == WeightsDistance {
			// 与训练样本重合时只看重合的样本
			if nb.distance == 0 {
				return k.exactMatches(neighbors)
			}
			weights[i] = 1 / nb.distance
		}
	}

	if k.cfg.Task == Classification {
		counts := make(map[float64]float64)
		for i, nb := range neighbors {
			counts[nb.label] += weights[i]
		}
		return majority(counts)
	}

	total, sum := 0.0, 0.0
	for i, nb := range neighbors {
		total += weights[i] * nb.label
		sum += weights[i]
	}
	return total / sum
}

func (k *KNearestNeighbors) exactMatches(neighbors []neighbor) float64 {
	labels := make([]float64, 0)
	for _, nb := range neighbors {
		if nb.distance == 0 {
			labels = append(labels, nb.label)
		}
	}

	if k.cfg.Task == Classification {
		counts := make(map[float64]float64)
		for _, label := range labels {
			counts[label]++
		}
		return majority(counts)
	}

	return floats.Sum(labels) / float64(len(labels))
}
