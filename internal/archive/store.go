package archive

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qgallouedec/go-explore/internal/cells"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS archive_transitions (
	slot       INTEGER PRIMARY KEY,
	obs        BLOB NOT NULL,
	next_obs   BLOB NOT NULL,
	action     BLOB NOT NULL,
	reward     REAL NOT NULL,
	done       INTEGER NOT NULL,
	cell       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cell_records (
	cell_key   TEXT PRIMARY KEY,
	count      INTEGER NOT NULL,
	best_slot  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS recompute_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id  TEXT NOT NULL,
	transitions  INTEGER NOT NULL,
	cells        INTEGER NOT NULL,
	created_at   TEXT NOT NULL
);
`

// #endregion schema

// #region store

// Store persists archive snapshots and the recompute provenance log
// in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages
// (e.g. metrics).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion store

// #region save

// SaveSnapshot replaces the stored archive with the buffer's current
// contents, written oldest-first so slots equal chronological order.
func (s *Store) SaveSnapshot(b *Buffer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM archive_transitions`); err != nil {
		return fmt.Errorf("clear transitions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM cell_records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	type lastSeen struct {
		count int
		slot  int
	}
	seen := make(map[string]*lastSeen)

	for slot, idx := range b.chrono() {
		t := b.Get(idx)
		key := t.Cell.Key()
		_, err := tx.Exec(
			`INSERT INTO archive_transitions (slot, obs, next_obs, action, reward, done, cell)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			slot, encodeFloats(t.Obs), encodeFloats(t.NextObs), encodeFloats(t.Action),
			t.Reward, boolInt(t.Done), key,
		)
		if err != nil {
			return fmt.Errorf("insert transition %d: %w", slot, err)
		}
		rec, ok := seen[key]
		if !ok {
			rec = &lastSeen{}
			seen[key] = rec
		}
		rec.count++
		rec.slot = slot
	}

	for key, rec := range seen {
		_, err := tx.Exec(
			`INSERT INTO cell_records (cell_key, count, best_slot) VALUES (?, ?, ?)`,
			key, rec.count, rec.slot,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// #endregion save

// #region load

// LoadTransitions reads every stored transition in slot order.
func (s *Store) LoadTransitions() ([]Transition, error) {
	rows, err := s.db.Query(
		`SELECT obs, next_obs, action, reward, done, cell
		 FROM archive_transitions ORDER BY slot`,
	)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var obs, nextObs, action []byte
		var reward float64
		var done int
		var key string
		if err := rows.Scan(&obs, &nextObs, &action, &reward, &done, &key); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		cell, err := cells.ParseKey(key)
		if err != nil {
			return nil, fmt.Errorf("decode cell: %w", err)
		}
		out = append(out, Transition{
			Obs:     decodeFloats(obs),
			NextObs: decodeFloats(nextObs),
			Action:  decodeFloats(action),
			Reward:  reward,
			Done:    done != 0,
			Cell:    cell,
		})
	}
	return out, rows.Err()
}

// StoredCellRecord is one persisted cell record row.
type StoredCellRecord struct {
	CellKey  string
	Count    int
	BestSlot int
}

// LoadCellRecords reads the persisted record table, most visited
// first.
func (s *Store) LoadCellRecords() ([]StoredCellRecord, error) {
	rows, err := s.db.Query(
		`SELECT cell_key, count, best_slot FROM cell_records ORDER BY count DESC, cell_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("load cell records: %w", err)
	}
	defer rows.Close()

	var out []StoredCellRecord
	for rows.Next() {
		var rec StoredCellRecord
		if err := rows.Scan(&rec.CellKey, &rec.Count, &rec.BestSlot); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion load

// #region recompute-log

// RecomputeEntry is one relabeling event: which encoder snapshot the
// labels now correspond to, and the archive size at the time.
type RecomputeEntry struct {
	SnapshotID  string
	Transitions int
	Cells       int
	CreatedAt   time.Time
}

// LogRecompute appends a relabeling event to the provenance log.
func (s *Store) LogRecompute(entry RecomputeEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO recompute_log (snapshot_id, transitions, cells, created_at)
		 VALUES (?, ?, ?, ?)`,
		entry.SnapshotID, entry.Transitions, entry.Cells,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log recompute: %w", err)
	}
	return nil
}

// Recomputes returns the most recent relabeling events.
func (s *Store) Recomputes(limit int) ([]RecomputeEntry, error) {
	rows, err := s.db.Query(
		`SELECT snapshot_id, transitions, cells, created_at
		 FROM recompute_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recomputes: %w", err)
	}
	defer rows.Close()

	var out []RecomputeEntry
	for rows.Next() {
		var entry RecomputeEntry
		var createdStr string
		if err := rows.Scan(&entry.SnapshotID, &entry.Transitions, &entry.Cells, &createdStr); err != nil {
			return nil, fmt.Errorf("scan recompute: %w", err)
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// #endregion recompute-log

// #region float-encoding
func encodeFloats(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeFloats(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// #endregion float-encoding
