package metrics

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func tempRecorder(t *testing.T) *StoreRecorder {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	rec, err := NewStoreRecorder(db)
	if err != nil {
		t.Fatalf("NewStoreRecorder: %v", err)
	}
	return rec
}

func TestStoreRecorderRoundTrip(t *testing.T) {
	rec := tempRecorder(t)
	rec.Record("inverse_model/pred_loss", 0.5, 100)
	rec.Record("inverse_model/pred_loss", 0.25, 200)
	rec.Record("other/key", 9, 1)

	vals, err := rec.Values("inverse_model/pred_loss", 10)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("expected 2 values, got %d", len(vals))
	}
	// Most recent first.
	if vals[0].Value != 0.25 || vals[0].Step != 200 {
		t.Fatalf("unexpected first value: %+v", vals[0])
	}
}

func TestMultiFansOut(t *testing.T) {
	a := tempRecorder(t)
	b := tempRecorder(t)
	Multi{a, b}.Record("k", 1, 1)

	for _, rec := range []*StoreRecorder{a, b} {
		vals, err := rec.Values("k", 1)
		if err != nil {
			t.Fatalf("Values: %v", err)
		}
		if len(vals) != 1 {
			t.Fatalf("expected 1 value, got %d", len(vals))
		}
	}
}
