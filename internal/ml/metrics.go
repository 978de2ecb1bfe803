package ml

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Average 决定多分类的精确率与召回率如何汇总
type Average string

const (
	// AverageMicro 统计全部样本的真正例、假正例后再计算
	AverageMicro Average = "micro"
	// AverageWeighted 按每个类别的样本数加权平均各类别的结果
	AverageWeighted Average = "weighted"
)

func Accuracy(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 {
		return 0
	}
	correct := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue))
}

type classCounts struct {
	tp, fp, fn float64
	support    float64
}

func countClasses(yTrue, yPred []float64) map[float64]*classCounts {
	counts := make(map[float64]*classCounts)
	get := func(label float64) *classCounts {
		c, ok := counts[label]
		if !ok {
			c = &classCounts{}
			counts[label] = c
		}
		return c
	}

	for i := range yTrue {
		t, p := get(yTrue[i]), get(yPred[i])
		t.support++
		if yTrue[i] == yPred[i] {
			t.tp++
		} else {
			t.fn++
			p.fp++
		}
	}
	return counts
}

// ratio 计算 a / (a + b)，分母为 0 时返回 zeroDivision
func ratio(a, b, zeroDivision float64) float64 {
	if a+b == 0 {
		return zeroDivision
	}
	return a / (a + b)
}

func Precision(yTrue, yPred []float64, average Average) float64 {
	return averaged(yTrue, yPred, average, func(c *classCounts, zeroDivision float64) float64 {
		return ratio(c.tp, c.fp, zeroDivision)
	})
}

func Recall(yTrue, yPred []float64, average Average) float64 {
	return averaged(yTrue, yPred, average, func(c *classCounts, zeroDivision float64) float64 {
		return ratio(c.tp, c.fn, zeroDivision)
	})
}

// F1 在 micro 模式下是精确率与召回率的调和平均，在 weighted 模式下是各类别 F1 的加权平均
func F1(yTrue, yPred []float64, average Average) float64 {
	return averaged(yTrue, yPred, average, func(c *classCounts, zeroDivision float64) float64 {
		p := ratio(c.tp, c.fp, zeroDivision)
		r := ratio(c.tp, c.fn, zeroDivision)
		return harmonicMean(p, r)
	})
}

func harmonicMean(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func averaged(yTrue, yPred []float64, average Average, metric func(c *classCounts, zeroDivision float64) float64) float64 {
	counts := countClasses(yTrue, yPred)

	if average == AverageMicro {
		total := &classCounts{}
		for _, c := range counts {
			total.tp += c.tp
			total.fp += c.fp
			total.fn += c.fn
		}
		return metric(total, 1)
	}

	sum, support := 0.0, 0.0
	for _, c := range counts {
		sum += c.support * metric(c, 0)
		support += c.support
	}
	if support == 0 {
		return 0
	}
	return sum / support
}

// ConfusionGap 返回二分类中正类漏判率与负类误判率之差的绝对值，标签须为 0 和 1
func ConfusionGap(yTrue, yPred []float64) float64 {
	var tn, fp, fn, tp float64
	for i := range yTrue {
		switch {
		case yTrue[i] == 0 && yPred[i] == 0:
			tn++
		case yTrue[i] == 0:
			fp++
		case yPred[i] == 0:
			fn++
		default:
			tp++
		}
	}
	return math.Abs(ratio(fn, tp, 0) - ratio(fp, tn, 0))
}

// RSquared 返回决定系数。真实值为常数时总平方和为 0，预测完全一致记为 1，否则记为 0
func RSquared(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 {
		return 0
	}
	if len(yTrue) == 1 || stat.Variance(yTrue, nil) == 0 {
		if floats.Equal(yTrue, yPred) {
			return 1
		}
		return 0
	}
	return stat.RSquaredFrom(yPred, yTrue, nil)
}

func MeanAbsoluteError(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 {
		return 0
	}
	diff := make([]float64, len(yTrue))
	floats.SubTo(diff, yTrue, yPred)
	return floats.Norm(diff, 1) / float64(len(diff))
}

// Binarize 把非负值映射为 1，负值映射为 0
func Binarize(y []float64) []float64 {
	out := make([]float64, len(y))
	for i, v := range y {
		if v >= 0 {
			out[i] = 1
		}
	}
	return out
}
