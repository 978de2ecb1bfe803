package rescue

import (
	"fmt"
	"math/rand"
	"strconv"
)

// 地形的通行耗时，越往后越难通行
var terrainCosts = []float64{1, 1, 1, 1.5, 2}

// GridOptions 描述随机网格场景的规模
type GridOptions struct {
	Width      int
	Height     int
	Victims    int
	TimeBudget float64
}

// GenerateGridScenario 在 Width x Height 的网格上随机放置受害者，
// 并为基地与受害者两两之间生成先横向后纵向的路径
func GenerateGridScenario(opts GridOptions, rng *rand.Rand) (Scenario, error) {
	if opts.Width < 1 || opts.Height < 1 {
		return Scenario{}, fmt.Errorf("%w: 网格大小必须为正数", ErrInvalidScenario)
	}
	if opts.Victims < 1 || opts.Victims >= opts.Width*opts.Height {
		return Scenario{}, fmt.Errorf("%w: 受害者数量必须在 1 到 %d 之间", ErrInvalidScenario, opts.Width*opts.Height-1)
	}

	terrain := make([][]float64, opts.Width)
	for x := range terrain {
		terrain[x] = make([]float64, opts.Height)
		for y := range terrain[x] {
			terrain[x][y] = terrainCosts[rng.Intn(len(terrainCosts))]
		}
	}

	s := Scenario{
		Base:       BaseKey,
		TimeBudget: opts.TimeBudget,
		Paths:      make(PathMap),
		Victims:    make(Victims),
	}

	// 基地固定在 (0, 0)
	positions := []string{BaseKey}
	coords := map[string][2]int{BaseKey: {0, 0}}
	for len(s.Victims) < opts.Victims {
		x, y := rng.Intn(opts.Width), rng.Intn(opts.Height)
		key := positionKey(x, y)
		if key == BaseKey {
			continue
		}
		if _, exists := s.Victims[key]; exists {
			continue
		}

		s.Victims[key] = []string{
			strconv.Itoa(90 + rng.Intn(60)), // 心率
			strconv.Itoa(10 + rng.Intn(20)), // 呼吸频率
			strconv.Itoa(1 + rng.Intn(4)),   // 严重程度
		}
		positions = append(positions, key)
		coords[key] = [2]int{x, y}
	}

	for _, from := range positions {
		s.Paths[from] = make(map[string][]Step)
		for _, to := range positions {
			if from == to {
				continue
			}
			s.Paths[from][to] = gridPath(coords[from], coords[to], terrain)
		}
	}

	return s, nil
}

func gridPath(from, to [2]int, terrain [][]float64) []Step {
	steps := make([]Step, 0)
	x, y := from[0], from[1]

	for x != to[0] {
		x += sign(to[0] - x)
		steps = append(steps, Step{Position: positionKey(x, y), Cost: terrain[x][y]})
	}
	for y != to[1] {
		y += sign(to[1] - y)
		steps = append(steps, Step{Position: positionKey(x, y), Cost: terrain[x][y]})
	}

	return steps
}

func positionKey(x, y int) string {
	return fmt.Sprintf("%d:%d", x, y)
}

func sign(v int) int {
	if v < 0 {
		return -1
	}
	return 1
}
