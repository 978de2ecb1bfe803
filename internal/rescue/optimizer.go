package rescue

import (
	"log/slog"
	"math/rand"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
)

// NewOptimizer 根据场景组装路径规划的遗传算法
func NewOptimizer(s Scenario, params evolution.Parameters, logger *slog.Logger) (*evolution.Optimizer[*Individual], error) {
	planner, err := NewPlanner(s)
	if err != nil {
		return nil, err
	}

	engine, err := evolution.NewEngine[*Individual](params, planner, rand.New(rand.NewSource(params.Seed)))
	if err != nil {
		return nil, err
	}

	return evolution.NewOptimizer[*Individual](engine, planner, logger), nil
}
