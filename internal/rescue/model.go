package rescue

import (
	"fmt"
	"slices"
	"strings"
)

// BaseKey 是救援智能体基地的默认位置
const BaseKey = "0:0"

const (
	GeneWeightCost     = "weight_cost"
	GeneWeightSeverity = "weight_severity"
)

// 两个权重之和恒为 1，修改其中一个时另一个随之改变
var weightDomain = map[string][]float64{
	GeneWeightCost:     {0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35},
	GeneWeightSeverity: {0.95, 0.9, 0.85, 0.8, 0.75, 0.7, 0.65},
}

// 按字典序排列，保证同一个随机种子得到相同的结果
var geneNames = []string{GeneWeightCost, GeneWeightSeverity}

// Step 是路径上的一步
type Step struct {
	Position string  `json:"position" yaml:"position"`
	Cost     float64 `json:"cost" yaml:"cost"`
}

// PathMap: {起点: {终点: [步骤1, 步骤2, ...]}}
type PathMap map[string]map[string][]Step

// Victims: {位置: [生命体征1, ..., 严重程度]}，最后一项为 1（危重）到 4（稳定）的整数
type Victims map[string][]string

// Scenario 描述一次路径规划所需的全部输入
type Scenario struct {
	Base        string  `json:"base" yaml:"base"`
	TimeBudget  float64 `json:"timeBudget" yaml:"time_budget"`
	MaxSegments int     `json:"maxSegments" yaml:"max_segments"` // 为 0 时取 len(Victims)+1
	Paths       PathMap `json:"paths" yaml:"paths"`
	Victims     Victims `json:"victims" yaml:"victims"`
}

// Segment 是轨迹中的一段：从 Origin 出发到达 Destination
type Segment struct {
	Origin      string `json:"origin" yaml:"origin"`
	Destination string `json:"destination" yaml:"destination"`
}

// Individual 是路径规划中的一个个体
type Individual struct {
	Trajectory     []Segment `json:"trajectory"`
	WeightSeverity float64   `json:"weightSeverity"`
	WeightCost     float64   `json:"weightCost"`
	RemainingTime  float64   `json:"remainingTime"`
	Score          float64   `json:"score"`
	Rescued        int       `json:"rescued"` // 最近一次评估中到达的不同受害者数量
}

func (ind *Individual) Fitness() float64 {
	return ind.Score
}

func (ind *Individual) Clone() *Individual {
	c := *ind
	c.Trajectory = slices.Clone(ind.Trajectory)
	return &c
}

// Feasible 报告个体是否拥有至少一段轨迹
func (ind *Individual) Feasible() bool {
	return len(ind.Trajectory) > 0
}

// SetWeight 设置一个权重基因，并同步另一个权重
func (ind *Individual) SetWeight(gene string, value float64) {
	switch gene {
	case GeneWeightCost:
		ind.WeightCost = value
		ind.WeightSeverity = 1 - value
	case GeneWeightSeverity:
		ind.WeightSeverity = value
		ind.WeightCost = 1 - value
	}
}

func (ind *Individual) String() string {
	stops := make([]string, 0, len(ind.Trajectory)+1)
	for i, seg := range ind.Trajectory {
		if i == 0 {
			stops = append(stops, seg.Origin)
		}
		stops = append(stops, seg.Destination)
	}
	return fmt.Sprintf("%.4f -> %s", ind.Score, strings.Join(stops, " -> "))
}
