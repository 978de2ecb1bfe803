// Package progress 在 redis 中保存正在执行的任务的实时进度
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
)

var ErrNoProgress = errors.New("任务尚未开始或进度已过期")

type Tracker struct {
	rdb        *redis.Client
	expiration time.Duration
	timeout    time.Duration
}

func NewTracker(rdb *redis.Client, expiration, timeout time.Duration) *Tracker {
	return &Tracker{
		rdb:        rdb,
		expiration: expiration,
		timeout:    timeout,
	}
}

func key(runID int64) string {
	return fmt.Sprintf("run_%d_progress", runID)
}

func (t *Tracker) Update(ctx context.Context, p *domain.Progress) error {
	data, err := encode(p)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return t.rdb.Set(ctx, key(p.RunID), data, t.expiration).Err()
}

func (t *Tracker) Get(ctx context.Context, runID int64) (*domain.Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	data, err := t.rdb.Get(ctx, key(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoProgress
		}
		return nil, err
	}

	return decode(data)
}

func encode(p *domain.Progress) ([]byte, error) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return json.Marshal(p)
}

func decode(data []byte) (*domain.Progress, error) {
	p := &domain.Progress{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("无法解析任务进度: %w", err)
	}
	return p, nil
}
