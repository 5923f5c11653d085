package record

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder stores every sample, with its derivative vector, in a SQLite database.
type SQLiteRecorder struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

var _ Recorder = &SQLiteRecorder{}

func NewSQLiteRecorder(path string) *SQLiteRecorder {
	return &SQLiteRecorder{path: path}
}

func (s *SQLiteRecorder) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS samples (
			step INTEGER NOT NULL,
			time REAL NOT NULL,
			component TEXT NOT NULL,
			value REAL NOT NULL,
			derivatives BLOB,
			PRIMARY KEY (step, component)
		)
	`); err != nil {
		_ = db.Close()
		return fmt.Errorf("create samples table: %w", err)
	}

	s.db = db
	return nil
}

func (s *SQLiteRecorder) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("sqlite recorder is not initialized")
	}
	return s.db, nil
}

func (s *SQLiteRecorder) Record(ctx context.Context, step int, time float64, samples []Sample) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sample := range samples {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO samples (step, time, component, value, derivatives)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(step, component) DO UPDATE SET
				time = excluded.time,
				value = excluded.value,
				derivatives = excluded.derivatives
		`, step, time, sample.Name, sample.Value, encodeFloats(sample.Derivatives))
		if err != nil {
			return fmt.Errorf("insert sample %s at step %d: %w", sample.Name, step, err)
		}
	}
	return tx.Commit()
}

// Samples returns the recorded samples of one component in step order.
func (s *SQLiteRecorder) Samples(ctx context.Context, component string) ([]Sample, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT value, derivatives FROM samples WHERE component = ? ORDER BY step`, component)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var value float64
		var payload []byte
		if err := rows.Scan(&value, &payload); err != nil {
			return nil, err
		}
		derivatives, err := decodeFloats(payload)
		if err != nil {
			return nil, fmt.Errorf("decode derivatives of %s: %w", component, err)
		}
		out = append(out, Sample{Name: component, Value: value, Derivatives: derivatives})
	}
	return out, rows.Err()
}

func (s *SQLiteRecorder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func encodeFloats(values []float64) []byte {
	buf := make([]byte, 0, 8*len(values))
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a float64 vector", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out, nil
}
