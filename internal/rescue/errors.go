package rescue

import (
	"errors"
	"fmt"
)

var ErrInvalidScenario = errors.New("无效的救援场景")

// InfeasibleConstructionError 表示从基地出发无法在时间预算内完成任何一次往返
type InfeasibleConstructionError struct {
	Base       string
	TimeBudget float64
}

func (e *InfeasibleConstructionError) Error() string {
	return fmt.Sprintf("从基地 %s 出发，在时间预算 %.2f 内不存在可往返的目的地", e.Base, e.TimeBudget)
}
