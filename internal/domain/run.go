package domain

import (
	"encoding/json"
	"time"
)

type RunKind string

const (
	RunKindRescue   RunKind = "rescue"
	RunKindTuning   RunKind = "tuning"
	RunKindCampaign RunKind = "campaign"
)

type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
)

// Run 是一次优化任务，Config 是提交时的运行配置，Result 是运行结束后的报告
type Run struct {
	ID         int64           `json:"id"`
	Kind       RunKind         `json:"kind"`
	Status     RunStatus       `json:"status"`
	Config     json.RawMessage `json:"config"`
	Result     json.RawMessage `json:"result"`
	BestScore  *float64        `json:"bestScore"`
	Error      string          `json:"error"`
	CreatedBy  int64           `json:"createdBy"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt"`
	Version    int32           `json:"-"`
}

// GenerationStat 是任务中一代种群的统计信息
type GenerationStat struct {
	RunID      int64     `json:"runID"`
	Generation int       `json:"generation"`
	Best       float64   `json:"best"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"stdDev"`
	Failed     int       `json:"failed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Progress 是任务的实时进度，只保存在 redis 中
type Progress struct {
	RunID      int64     `json:"runID"`
	Generation int       `json:"generation"`
	Of         int       `json:"of"`
	Best       float64   `json:"best"`
	Mean       float64   `json:"mean"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// JobMessage 是 API 发送给 worker 的任务消息
type JobMessage struct {
	RunID int64   `json:"runID"`
	Kind  RunKind `json:"kind"`
}
