package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

// ProjectMetrics is the persisted metrics row for one project (spec.md §3).
type ProjectMetrics struct {
	Name           string  `json:"name"`
	ColdStartTime  int64   `json:"cold_start_time"`
	RequestHistory []int64 `json:"request_history"`
}

// GetMetrics returns the metrics row for name, or a zero-value row if none
// has been recorded yet.
func (s *Store) GetMetrics(name string) (ProjectMetrics, error) {
	m := ProjectMetrics{Name: name}
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMetrics).Get([]byte(name))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode project metrics %q: %w", name, err)
		}
		return nil
	})
	return m, err
}

// SetColdStartTime records the most recent successful cold-start duration
// in milliseconds (spec.md §4.A).
func (s *Store) SetColdStartTime(name string, ms int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		m := ProjectMetrics{Name: name}
		if raw := b.Get([]byte(name)); raw != nil {
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode project metrics %q: %w", name, err)
			}
		}
		m.ColdStartTime = ms
		return putJSON(b, name, m)
	})
}
