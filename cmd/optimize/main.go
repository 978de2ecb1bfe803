package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/config"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/evolution"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/runner"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/tuning"
)

func main() {
	var runFile string
	var generations int
	var out string
	var summary string

	flag.StringVar(&runFile, "config", "", "任务文件路径 (YAML)")
	flag.IntVar(&generations, "generations", 0, "覆盖任务文件中的迭代代数")
	flag.StringVar(&out, "out", "", "把完整报告写入指定的 JSON 文件")
	flag.StringVar(&summary, "summary", "", "批量实验结果的 CSV 文件路径")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if runFile == "" {
		logger.Error("未指定任务文件")
		os.Exit(2)
	}

	f, err := config.LoadRunFile(runFile)
	if err != nil {
		logger.Error("无法读取任务文件", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if generations > 0 {
		f.Evolution.Generations = generations
	}

	// CTRL+C 会在当前一代结束后停止任务
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := runner.New(logger).
		OnGeneration(func(_ context.Context, stats evolution.GenerationStats) error {
			logger.Info("已完成一代",
				slog.Int("generation", stats.Generation),
				slog.Int("of", f.Evolution.Generations),
				slog.Float64("best", stats.Best),
				slog.Float64("mean", stats.Mean),
				slog.Int("failed", stats.Failed),
			)
			return nil
		}).
		Run(ctx, f)
	if err != nil {
		logger.Error("任务执行失败", slog.String("error", err.Error()))
		os.Exit(1)
	}

	printReport(report)

	if out != "" {
		if err := writeJSON(out, report); err != nil {
			logger.Error("无法写入报告", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	if summary != "" && len(report.Campaign) > 0 {
		if err := writeSummary(summary, report.Campaign); err != nil {
			logger.Error("无法写入批量实验结果", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
}

func printReport(report *runner.Report) {
	if !report.Found {
		fmt.Println("没有找到可行的个体")
		return
	}

	fmt.Printf("最优适应度: %.6f\n", report.BestScore)
	if len(report.Campaign) > 0 {
		best := report.Best.(tuning.CampaignResult)
		fmt.Printf("最优配置: %s seed=%d criterion=%s crossValidation=%t\n", best.Algorithm, best.Seed, best.Criterion, best.CrossValidation)
		return
	}

	fmt.Printf("最后一代的前 %d 名:\n", len(report.Top))
	for i, c := range report.Top {
		fmt.Printf("%d. %v\n", i+1, c)
	}
	if report.MeanReported != 0 {
		fmt.Printf("最后一代的平均指标: %.4f\n", report.MeanReported)
	}
}

func writeJSON(path string, report *runner.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeSummary(path string, results []tuning.CampaignResult) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := tuning.WriteSummary(file, results); err != nil {
		return err
	}
	return file.Close()
}
