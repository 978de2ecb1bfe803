package main

import (
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/config"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/repository"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/rescue"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/utils"
)

func main() {
	var op int
	var n int
	var grid rescue.GridOptions
	var seed int64
	var out string

	flag.IntVar(&op, "op", 0, "要执行的操作 (1: 插入随机用户, 2: 生成网格救援场景)")
	flag.IntVar(&n, "n", 5, "要插入的用户数量")
	flag.IntVar(&grid.Width, "width", 6, "网格宽度")
	flag.IntVar(&grid.Height, "height", 6, "网格高度")
	flag.IntVar(&grid.Victims, "victims", 5, "有遇险者的格子数量")
	flag.Float64Var(&grid.TimeBudget, "budget", 100, "救援时间预算")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "生成场景使用的随机种子")
	flag.StringVar(&out, "out", "scenario.yaml", "场景文件的输出路径")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	switch op {
	case 0:
		logger.Error("未指定操作")
	case 1:
		seedUsers(logger, n)
	case 2:
		s, err := rescue.GenerateGridScenario(grid, rand.New(rand.NewSource(seed)))
		if err != nil {
			logger.Error("无法生成场景", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := config.WriteScenario(out, s); err != nil {
			logger.Error("无法写入场景文件", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("生成场景成功", slog.String("path", out), slog.Int64("seed", seed))
	default:
		logger.Error("指定的操作非法")
	}
}

func seedUsers(logger *slog.Logger, n int) {
	if n <= 0 {
		logger.Error("请输入合法的用户数量")
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("无法读取配置文件", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dbpool, err := repository.OpenDB(cfg)
	if err != nil {
		logger.Error("无法连接到数据库", "error", err)
		return
	}
	defer dbpool.Close()

	repo := repository.NewRepository(cfg, dbpool)

	cnt := 0
	for i := 0; i < n; i++ {
		user, err := utils.GenerateRandomUser(cfg.Seed.User.Password, cfg.Email.UserDomain)
		if err != nil {
			logger.Error("无法生成随机用户", slog.String("error", err.Error()))
			continue
		}

		if err := repo.CreateUser(user); err != nil {
			logger.Error("无法插入用户", slog.String("error", err.Error()))
			continue
		}

		cnt++
	}

	logger.Info("插入用户成功", slog.Int("count", cnt))
}
