// Package journal persists finished worker interactions to a local sqlite
// database so task history survives restarts of the in-memory registry.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"trellis/internal/engine"
	"trellis/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS interactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	task TEXT NOT NULL,
	summary TEXT NOT NULL,
	status TEXT NOT NULL,
	iterations INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	validation_reason TEXT NOT NULL DEFAULT '',
	tools_used TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
`

// Journal is a sqlite-backed engine.InteractionLog.
type Journal struct {
	db     *sql.DB
	logger logging.Logger
}

// Open creates or opens the journal database at path and ensures the schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// sqlite handles one writer at a time; a larger pool just queues on the
	// file lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logging.NewComponentLogger("Journal"),
	}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// LogInteraction appends one finished-run record.
func (j *Journal) LogInteraction(ctx context.Context, rec engine.Interaction) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO interactions
			(session_id, task_id, task, summary, status, iterations,
			 input_tokens, output_tokens, cost_usd, validation_reason,
			 tools_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TaskID, rec.Task, rec.Summary, string(rec.Status),
		rec.Iterations, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		rec.ValidationReason, strings.Join(rec.ToolsUsed, ","), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	j.logger.Debug("Journaled interaction for task %s", rec.TaskID)
	return nil
}

// Entry is one stored interaction, as read back from the journal.
type Entry struct {
	SessionID        string
	TaskID           string
	Task             string
	Summary          string
	Status           string
	Iterations       int
	InputTokens      int
	OutputTokens     int
	CostUSD          float64
	ValidationReason string
	ToolsUsed        []string
	CreatedAt        time.Time
}

// Recent returns up to limit interactions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, task_id, task, summary, status, iterations,
		       input_tokens, output_tokens, cost_usd, validation_reason,
		       tools_used, created_at
		FROM interactions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var toolsUsed string
		if err := rows.Scan(
			&e.SessionID, &e.TaskID, &e.Task, &e.Summary, &e.Status,
			&e.Iterations, &e.InputTokens, &e.OutputTokens, &e.CostUSD,
			&e.ValidationReason, &toolsUsed, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		if toolsUsed != "" {
			e.ToolsUsed = strings.Split(toolsUsed, ",")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TotalCost sums the recorded cost of every stored interaction.
func (j *Journal) TotalCost(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := j.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM interactions`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum interaction cost: %w", err)
	}
	return total.Float64, nil
}
