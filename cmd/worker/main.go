package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/config"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/metrics"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/progress"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/queue"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/repository"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/worker"
)

func main() {
	/**********************************************
	 * 创建 logger
	 **********************************************/
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	/**********************************************
	 * 读取配置文件
	 **********************************************/
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("无法读取配置文件", slog.String("error", err.Error()))
		return
	}

	/**********************************************
	 * 连接数据库和 redis
	 **********************************************/
	dbpool, err := repository.OpenDB(cfg)
	if err != nil {
		logger.Error("无法连接到数据库", slog.String("error", err.Error()))
		return
	}
	defer dbpool.Close()

	repo := repository.NewRepository(cfg, dbpool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       0,
	})
	defer rdb.Close()

	tracker := progress.NewTracker(rdb,
		time.Duration(cfg.Redis.ProgressExpiration)*time.Second,
		time.Duration(cfg.Redis.OperationTimeout)*time.Second,
	)

	/**********************************************
	 * 连接 RabbitMQ
	 **********************************************/
	conn, err := amqp.Dial(cfg.RabbitMQ.DSN)
	if err != nil {
		logger.Error("无法连接到 RabbitMQ", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Error("无法创建通道", slog.String("error", err.Error()))
		return
	}
	defer ch.Close()

	if err := queue.Declare(ch, cfg.RabbitMQ.JobQueue, cfg.RabbitMQ.MailQueue); err != nil {
		logger.Error("无法声明队列", slog.String("error", err.Error()))
		return
	}

	// 优化任务耗时很长，限制每个 worker 同时持有的未确认消息数
	if err := ch.Qos(cfg.RabbitMQ.Prefetch, 0, false); err != nil {
		logger.Error("无法设置预取数量", slog.String("error", err.Error()))
		return
	}

	msgs, err := ch.Consume(
		cfg.RabbitMQ.JobQueue, // 队列
		"",                    // 消费者标识，由 RabbitMQ 自动分配
		false,                 // 手动确认
		false,                 // 是否独占队列
		false,                 // RabbitMQ 不支持 noLocal
		false,                 // 等待 RabbitMQ 响应
		nil,                   // 额外参数
	)
	if err != nil {
		logger.Error("无法消费消息", slog.String("error", err.Error()))
		return
	}

	publisher := queue.NewPublisher(ch, time.Duration(cfg.RabbitMQ.PublishTimeout)*time.Second)
	w := worker.New(repo, tracker, publisher, cfg.RabbitMQ.MailQueue, logger)

	/**********************************************
	 * 暴露 Prometheus 指标
	 **********************************************/
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Optimizer.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("无法启动指标服务", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// 关闭时取消正在执行的任务，任务会被记录为失败
	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}

	for i := 0; i < max(cfg.RabbitMQ.Prefetch, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					handle(ctx, w, msg, logger)
				}
			}
		}()
	}

	logger.Info("等待任务...（按 CTRL+C 退出）", slog.String("queue", cfg.RabbitMQ.JobQueue))
	<-sigChan

	slog.Info("正在关闭 worker...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭指标服务失败", slog.String("error", err.Error()))
	}
	slog.Info("worker 已成功关闭")
}

func handle(ctx context.Context, w *worker.Worker, msg amqp.Delivery, logger *slog.Logger) {
	logger.Info("收到任务", slog.String("messageID", msg.MessageId), slog.String("message", string(msg.Body)))

	var job domain.JobMessage
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error("任务消息反序列化失败", slog.String("error", err.Error()))
		_ = msg.Nack(false, false)
		return
	}

	if err := w.Handle(ctx, job); err != nil {
		// 任务状态无法写入数据库，重新入队也无法再次领取，直接丢弃
		logger.Error("无法保存任务状态", slog.Int64("runID", job.RunID), slog.String("error", err.Error()))
		_ = msg.Nack(false, false)
		return
	}

	_ = msg.Ack(false)
}
