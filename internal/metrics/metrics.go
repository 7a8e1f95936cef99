// Package metrics records named scalar metrics emitted by the
// training callbacks, e.g. "inverse_model/pred_loss" once per
// gradient step. Recording is a side effect and never fatal: sink
// failures are logged and swallowed.
package metrics

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// #region recorder

// Recorder accepts one scalar per call.
type Recorder interface {
	Record(key string, value float64, step int)
}

// Nop discards every scalar.
type Nop struct{}

func (Nop) Record(string, float64, int) {}

// LogRecorder writes scalars to the process log.
type LogRecorder struct{}

func (LogRecorder) Record(key string, value float64, step int) {
	log.Printf("[METRIC] %s=%g step=%d", key, value, step)
}

// Multi fans a scalar out to several recorders.
type Multi []Recorder

func (m Multi) Record(key string, value float64, step int) {
	for _, r := range m {
		r.Record(key, value, step)
	}
}

// #endregion recorder

// #region store-recorder
const schema = `
CREATE TABLE IF NOT EXISTS metric_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	key         TEXT NOT NULL,
	value       REAL NOT NULL,
	step        INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);
`

// StoreRecorder persists scalars to SQLite, sharing the archive
// store's database.
type StoreRecorder struct {
	db *sql.DB
}

// NewStoreRecorder runs migrations and returns a recorder over db.
func NewStoreRecorder(db *sql.DB) (*StoreRecorder, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate metrics: %w", err)
	}
	return &StoreRecorder{db: db}, nil
}

func (s *StoreRecorder) Record(key string, value float64, step int) {
	_, err := s.db.Exec(
		`INSERT INTO metric_log (key, value, step, created_at) VALUES (?, ?, ?, ?)`,
		key, value, step, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		log.Printf("[METRIC] record %s failed: %v", key, err)
	}
}

// Scalar is one persisted metric row.
type Scalar struct {
	Key   string
	Value float64
	Step  int
}

// Values returns the most recent scalars for key.
func (s *StoreRecorder) Values(key string, limit int) ([]Scalar, error) {
	rows, err := s.db.Query(
		`SELECT key, value, step FROM metric_log WHERE key = ? ORDER BY id DESC LIMIT ?`,
		key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load metrics: %w", err)
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		var v Scalar
		if err := rows.Scan(&v.Key, &v.Value, &v.Step); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// #endregion store-recorder
