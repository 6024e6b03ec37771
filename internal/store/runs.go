package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Run 为一次工作流运行的持久化记录。Actions 与 Errors 以 JSON 形式存储。
type Run struct {
	ID        int64           `json:"id"`
	Prompt    string          `json:"prompt"`
	Success   bool            `json:"success"`
	Summary   string          `json:"summary"`
	Actions   json.RawMessage `json:"actions"`
	Errors    json.RawMessage `json:"errors"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunStore 负责持久化工作流运行历史。
type RunStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRunStore 初始化运行历史存储，创建所需表结构。
func NewRunStore(store *Store, logger *zap.Logger) (*RunStore, error) {
	if store == nil {
		return nil, fmt.Errorf("store: 底层存储不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &RunStore{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *RunStore) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt TEXT NOT NULL,
	success INTEGER NOT NULL,
	summary TEXT NOT NULL,
	actions TEXT NOT NULL,
	errors TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_created ON workflow_runs(created_at);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化运行历史表失败: %w", err)
	}
	return nil
}

// RecordRun 写入一次运行。actions 与 errs 任意可序列化即可。
func (s *RunStore) RecordRun(ctx context.Context, prompt string, success bool, summary string, actions, errs interface{}) error {
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("store: 序列化执行结果失败: %w", err)
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("store: 序列化错误列表失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (prompt, success, summary, actions, errors, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		prompt, boolToInt(success), summary, string(actionsJSON), string(errorsJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入运行记录失败: %w", err)
	}
	return nil
}

// ListRuns 按时间倒序返回最近的运行记录。
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, success, summary, actions, errors, created_at
		 FROM workflow_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: 查询运行记录失败: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var (
			run     Run
			success int
			actions string
			errsRaw string
			created string
		)
		if scanErr := rows.Scan(&run.ID, &run.Prompt, &success, &run.Summary, &actions, &errsRaw, &created); scanErr != nil {
			return nil, fmt.Errorf("store: 解析运行记录失败: %w", scanErr)
		}
		run.Success = success != 0
		run.Actions = json.RawMessage(actions)
		run.Errors = json.RawMessage(errsRaw)
		if ts, parseErr := time.Parse(time.RFC3339, created); parseErr == nil {
			run.CreatedAt = ts
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取运行记录失败: %w", err)
	}

	return runs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
