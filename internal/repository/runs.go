package repository

import (
	"github.com/sysu-ecnc-dev/genetic-optimizer/backend/internal/domain"
)

const runColumns = `id, kind, status, config, result, best_score, error, created_by, created_at, started_at, finished_at, version`

// runRow 用于扫描 runs 表，jsonb 列先读到 []byte 中再赋值，避免引用驱动的缓冲区
type runRow struct {
	run    *domain.Run
	config []byte
	result []byte
}

func newRunRow() *runRow {
	return &runRow{run: &domain.Run{}}
}

func (row *runRow) dst() []any {
	run := row.run
	return []any{&run.ID, &run.Kind, &run.Status, &row.config, &row.result, &run.BestScore, &run.Error, &run.CreatedBy, &run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.Version}
}

func (row *runRow) done() *domain.Run {
	row.run.Config = row.config
	row.run.Result = row.result
	return row.run
}

func (r *Repository) CreateRun(run *domain.Run) error {
	query := `
		INSERT INTO runs (kind, config, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, status, error, created_at, version
	`

	ctx, cancel := r.queryContext()
	defer cancel()

	args := []any{run.Kind, []byte(run.Config), run.CreatedBy}
	dst := []any{&run.ID, &run.Status, &run.Error, &run.CreatedAt, &run.Version}
	return r.dbpool.QueryRowContext(ctx, query, args...).Scan(dst...)
}

func (r *Repository) GetRunByID(id int64) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	ctx, cancel := r.queryContext()
	defer cancel()

	row := newRunRow()
	if err := r.dbpool.QueryRowContext(ctx, query, id).Scan(row.dst()...); err != nil {
		return nil, err
	}

	return row.done(), nil
}

// GetAllRuns 按创建时间倒序返回任务，kind 和 status 为空时不过滤
func (r *Repository) GetAllRuns(kind domain.RunKind, status domain.RunStatus) ([]*domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR status = $2)
		ORDER BY id DESC
	`

	ctx, cancel := r.queryContext()
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query, string(kind), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*domain.Run, 0)
	for rows.Next() {
		row := newRunRow()
		if err := rows.Scan(row.dst()...); err != nil {
			return nil, err
		}
		runs = append(runs, row.done())
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// StartRun 把排队中的任务标记为运行中。
// 任务不存在或已经开始（例如消息被重复投递）时返回 sql.ErrNoRows
func (r *Repository) StartRun(run *domain.Run) error {
	query := `
		UPDATE runs
		SET status = $1, started_at = now(), version = version + 1
		WHERE id = $2 AND status = $3
		RETURNING status, started_at, version
	`

	ctx, cancel := r.queryContext()
	defer cancel()

	args := []any{domain.RunStatusRunning, run.ID, domain.RunStatusQueued}
	return r.dbpool.QueryRowContext(ctx, query, args...).Scan(&run.Status, &run.StartedAt, &run.Version)
}

const upsertGenerationQuery = `
	INSERT INTO run_generations (run_id, generation, best, mean, std_dev, failed)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (run_id, generation) DO UPDATE
	SET best = EXCLUDED.best, mean = EXCLUDED.mean, std_dev = EXCLUDED.std_dev, failed = EXCLUDED.failed
	RETURNING created_at
`

func generationArgs(stat *domain.GenerationStat) []any {
	return []any{stat.RunID, stat.Generation, stat.Best, stat.Mean, stat.StdDev, stat.Failed}
}

func (r *Repository) InsertGenerationStat(stat *domain.GenerationStat) error {
	ctx, cancel := r.queryContext()
	defer cancel()

	return r.dbpool.QueryRowContext(ctx, upsertGenerationQuery, generationArgs(stat)...).Scan(&stat.CreatedAt)
}

func (r *Repository) GetRunGenerations(runID int64) ([]*domain.GenerationStat, error) {
	query := `
		SELECT generation, best, mean, std_dev, failed, created_at
		FROM run_generations
		WHERE run_id = $1
		ORDER BY generation
	`

	ctx, cancel := r.queryContext()
	defer cancel()

	rows, err := r.dbpool.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]*domain.GenerationStat, 0)
	for rows.Next() {
		stat := &domain.GenerationStat{RunID: runID}
		dst := []any{&stat.Generation, &stat.Best, &stat.Mean, &stat.StdDev, &stat.Failed, &stat.CreatedAt}
		if err := rows.Scan(dst...); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// FinishRun 在同一个事务中补全每一代的统计信息并写入任务的最终状态
func (r *Repository) FinishRun(run *domain.Run, history []*domain.GenerationStat) error {
	ctx, cancel := r.transactionContext()
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stat := range history {
		if err := tx.QueryRowContext(ctx, upsertGenerationQuery, generationArgs(stat)...).Scan(&stat.CreatedAt); err != nil {
			return err
		}
	}

	query := `
		UPDATE runs
		SET status = $1, result = $2, best_score = $3, error = $4, finished_at = now(), version = version + 1
		WHERE id = $5 AND version = $6
		RETURNING finished_at, version
	`

	var result []byte
	if len(run.Result) > 0 {
		result = run.Result
	}
	args := []any{run.Status, result, run.BestScore, run.Error, run.ID, run.Version}
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&run.FinishedAt, &run.Version); err != nil {
		return err
	}

	return tx.Commit()
}
