package metrics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/paths"
)

const (
	pruneMaxAge   = 7 * 24 * time.Hour
	dbOpenOptions = "?_busy_timeout=5000"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS metrics (
	path       TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store persists a Manager's metrics in a sqlite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the metrics database at path.
func OpenStore(path string) (*Store, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+dbOpenOptions)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metrics schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type timingRecord struct {
	Count   int64           `json:"count"`
	Total   time.Duration   `json:"total"`
	Min     time.Duration   `json:"min"`
	Max     time.Duration   `json:"max"`
	Last    time.Duration   `json:"last"`
	Samples []time.Duration `json:"samples,omitempty"`
}

type counterRecord struct {
	Value int64     `json:"value"`
	Last  time.Time `json:"last"`
}

type gaugeRecord struct {
	Value int64     `json:"value"`
	Min   int64     `json:"min"`
	Max   int64     `json:"max"`
	Last  time.Time `json:"last"`
}

type outcomeRecord struct {
	Outcomes    map[string]int64 `json:"outcomes"`
	Total       int64            `json:"total"`
	LastOutcome string           `json:"lastOutcome"`
	LastTime    time.Time        `json:"lastTime"`
}

// Save writes all metrics to the database in a single transaction.
// Gauges are live state and are not persisted.
func (s *Store) Save(m *Manager) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO metrics (path, type, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET type = excluded.type, data = excluded.data, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	put := func(path string, typ MetricType, rec any) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = stmt.Exec(path, string(typ), data, now)
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for path, t := range m.timings {
		t.mu.RLock()
		rec := timingRecord{Count: t.Count, Total: t.Total, Min: t.Min, Max: t.Max, Last: t.Last,
			Samples: append([]time.Duration(nil), t.samples...)}
		t.mu.RUnlock()
		if err := put(path, TypeTiming, rec); err != nil {
			return err
		}
	}
	for path, c := range m.counters {
		c.mu.RLock()
		rec := counterRecord{Value: c.Value, Last: c.Last}
		c.mu.RUnlock()
		if err := put(path, TypeCounter, rec); err != nil {
			return err
		}
	}
	for path, o := range m.outcomes {
		o.mu.RLock()
		rec := outcomeRecord{Outcomes: make(map[string]int64, len(o.Outcomes)), Total: o.Total,
			LastOutcome: o.LastOutcome, LastTime: o.LastTime}
		for k, v := range o.Outcomes {
			rec.Outcomes[k] = v
		}
		o.mu.RUnlock()
		if err := put(path, TypeOutcome, rec); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load restores persisted metrics into m, after pruning entries older than a week.
// Returns the number of metrics restored.
func (s *Store) Load(m *Manager) (int, error) {
	cutoff := time.Now().Add(-pruneMaxAge).Unix()
	if res, err := s.db.Exec("DELETE FROM metrics WHERE updated_at < ?", cutoff); err != nil {
		L_warn("metrics: failed to prune stale data", "error", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		L_info("metrics: pruned stale metrics", "count", n)
	}

	rows, err := s.db.Query("SELECT path, type, data FROM metrics")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for rows.Next() {
		var path, metricType string
		var data []byte
		if err := rows.Scan(&path, &metricType, &data); err != nil {
			L_warn("metrics: failed to scan row", "error", err)
			continue
		}
		if err := m.restore(path, MetricType(metricType), data); err != nil {
			L_warn("metrics: failed to restore metric", "path", path, "type", metricType, "error", err)
			continue
		}
		count++
	}
	return count, rows.Err()
}

// restore must be called with m.mu held.
func (m *Manager) restore(path string, typ MetricType, data []byte) error {
	switch typ {
	case TypeTiming:
		var rec timingRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if len(rec.Samples) > maxSamples {
			rec.Samples = rec.Samples[len(rec.Samples)-maxSamples:]
		}
		m.timings[path] = &TimingMetric{Count: rec.Count, Total: rec.Total, Min: rec.Min, Max: rec.Max,
			Last: rec.Last, samples: rec.Samples}
	case TypeCounter:
		var rec counterRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		m.counters[path] = &CounterMetric{Value: rec.Value, Last: rec.Last}
	case TypeOutcome:
		var rec outcomeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Outcomes == nil {
			rec.Outcomes = make(map[string]int64)
		}
		m.outcomes[path] = &OutcomeMetric{Outcomes: rec.Outcomes, Total: rec.Total,
			LastOutcome: rec.LastOutcome, LastTime: rec.LastTime}
	default:
		return fmt.Errorf("unknown metric type %q", typ)
	}
	return nil
}
