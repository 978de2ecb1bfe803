package ml

import (
	"math/rand"

	"gonum.org/v1/gonum/stat"
)

type ForestConfig struct {
	Tree       TreeConfig
	Estimators int
	Bootstrap  bool
}

// RandomForest 由若干棵在自助采样上训练的决策树组成，分类取多数票，回归取平均值
type RandomForest struct {
	cfg   ForestConfig
	trees []*DecisionTree
}

func NewRandomForest(cfg ForestConfig) *RandomForest {
	if cfg.Estimators == 0 {
		cfg.Estimators = 100
	}
	return &RandomForest{cfg: cfg}
}

func (f *RandomForest) Fit(x [][]float64, y []float64) error {
	if f.cfg.Estimators < 1 {
		return invalidParameter("n_estimators 至少为 1")
	}
	if _, err := checkTrainingSet(x, y); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(f.cfg.Tree.Seed))
	trees := make([]*DecisionTree, 0, f.cfg.Estimators)

	for i := 0; i < f.cfg.Estimators; i++ {
		cfg := f.cfg.Tree
		cfg.Seed = f.cfg.Tree.Seed + int64(i)
		tree := NewDecisionTree(cfg)

		sx, sy := x, y
		if f.cfg.Bootstrap {
			idx := make([]int, len(x))
			for j := range idx {
				idx[j] = rng.Intn(len(x))
			}
			sx, sy = rows(x, idx), values(y, idx)
		}

		if err := tree.Fit(sx, sy); err != nil {
			return err
		}
		trees = append(trees, tree)
	}

	f.trees = trees
	return nil
}

func (f *RandomForest) Predict(x [][]float64) ([]float64, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotFitted
	}

	votes := make([][]float64, len(x))
	for i := range votes {
		votes[i] = make([]float64, 0, len(f.trees))
	}
	for _, tree := range f.trees {
		pred, err := tree.Predict(x)
		if err != nil {
			return nil, err
		}
		for i, v := range pred {
			votes[i] = append(votes[i], v)
		}
	}

	out := make([]float64, len(x))
	for i, v := range votes {
		if f.cfg.Tree.Task == Classification {
			counts := make(map[float64]float64)
			for _, label := range v {
				counts[label]++
			}
			out[i] = majority(counts)
		} else {
			out[i] = stat.Mean(v, nil)
		}
	}
	return out, nil
}
