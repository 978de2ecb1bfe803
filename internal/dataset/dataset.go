// Package dataset 读取表格数据并提供标准化、划分训练集和 K 折交叉验证所需的工具
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

var (
	ErrTargetNotFound = errors.New("找不到目标列")
	ErrInvalidValue   = errors.New("数据中包含无法解析的数值")
	ErrTooFewSamples  = errors.New("样本数量不足")
)

type Dataset struct {
	Features []string
	Target   string
	X        [][]float64
	Y        []float64
}

type LoadOptions struct {
	Target string
	Drop   []string // 不参与训练的列，例如索引列
}

func LoadFile(path string, opts LoadOptions) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Load(file, opts)
}

// Load 从 CSV 读取数据，第一行为表头，除目标列和被丢弃的列外全部作为特征
func Load(r io.Reader, opts LoadOptions) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	// 读取表头
	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}

	targetIdx := slices.Index(headers, opts.Target)
	if targetIdx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, opts.Target)
	}

	ds := &Dataset{Target: opts.Target}
	featureIdx := make([]int, 0, len(headers))
	for i, header := range headers {
		if i == targetIdx || slices.Contains(opts.Drop, header) {
			continue
		}
		featureIdx = append(featureIdx, i)
		ds.Features = append(ds.Features, header)
	}

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取第 %d 行失败: %w", line+1, err)
		}
		line++

		y, err := parseValue(record[targetIdx])
		if err != nil {
			return nil, fmt.Errorf("%w: 第 %d 行的 %s", ErrInvalidValue, line, headers[targetIdx])
		}

		row := make([]float64, len(featureIdx))
		for j, idx := range featureIdx {
			row[j], err = parseValue(record[idx])
			if err != nil {
				return nil, fmt.Errorf("%w: 第 %d 行的 %s", ErrInvalidValue, line, headers[idx])
			}
		}

		ds.X = append(ds.X, row)
		ds.Y = append(ds.Y, y)
	}

	if len(ds.X) == 0 {
		return nil, ErrTooFewSamples
	}

	return ds, nil
}

// parseValue 解析数值，布尔值按 0 和 1 处理
func parseValue(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func (d *Dataset) Len() int {
	return len(d.X)
}

// Standardize 返回每个特征减去均值再除以总体标准差后的新数据集，标准差为 0 的特征只做中心化
func (d *Dataset) Standardize() *Dataset {
	out := &Dataset{
		Features: slices.Clone(d.Features),
		Target:   d.Target,
		X:        make([][]float64, len(d.X)),
		Y:        slices.Clone(d.Y),
	}
	for i := range out.X {
		out.X[i] = make([]float64, len(d.Features))
	}

	column := make([]float64, len(d.X))
	for j := range d.Features {
		for i, row := range d.X {
			column[i] = row[j]
		}

		mean, std := stat.PopMeanStdDev(column, nil)
		if std == 0 {
			std = 1
		}
		for i, v := range column {
			out.X[i][j] = (v - mean) / std
		}
	}

	return out
}

// Subset 返回按下标取出的样本，行数据与原数据集共享
func (d *Dataset) Subset(idx []int) ([][]float64, []float64) {
	x := make([][]float64, len(idx))
	y := make([]float64, len(idx))
	for i, j := range idx {
		x[i] = d.X[j]
		y[i] = d.Y[j]
	}
	return x, y
}

// Split 是一次训练集与测试集的划分
type Split struct {
	Train []int
	Test  []int
}

// TrainTestSplit 打乱样本后取 testFraction 比例（向上取整）作为测试集
func TrainTestSplit(n int, testFraction float64, seed int64) (Split, error) {
	if testFraction <= 0 || testFraction >= 1 {
		return Split{}, fmt.Errorf("测试集比例必须在 0 和 1 之间: %v", testFraction)
	}
	if n < 2 {
		return Split{}, fmt.Errorf("%w: 至少需要 2 个样本", ErrTooFewSamples)
	}

	nTest := int(math.Ceil(float64(n) * testFraction))
	nTest = min(max(nTest, 1), n-1)

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return Split{Test: perm[:nTest], Train: perm[nTest:]}, nil
}

// KFold 打乱样本后切成 k 折，前 n%k 折各多一个样本，每折轮流作为测试集
func KFold(n, k int, seed int64) ([]Split, error) {
	if k < 2 {
		return nil, fmt.Errorf("折数至少为 2: %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("%w: %d 个样本无法切成 %d 折", ErrTooFewSamples, n, k)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	splits := make([]Split, 0, k)
	start := 0
	for fold := 0; fold < k; fold++ {
		size := n / k
		if fold < n%k {
			size++
		}

		split := Split{
			Test:  slices.Clone(perm[start : start+size]),
			Train: make([]int, 0, n-size),
		}
		split.Train = append(split.Train, perm[:start]...)
		split.Train = append(split.Train, perm[start+size:]...)

		splits = append(splits, split)
		start += size
	}

	return splits, nil
}
