package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

// Status is a project's runtime lifecycle state (spec.md §3).
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
)

// ProjectState is the persisted runtime state of one project (spec.md §3).
type ProjectState struct {
	Name                 string `json:"name"`
	Status               Status `json:"status"`
	Port                 *int   `json:"port,omitempty"`
	PID                  *int   `json:"pid,omitempty"`
	LastActivity         *int64 `json:"last_activity,omitempty"`
	StartedAt            *int64 `json:"started_at,omitempty"`
	WebSocketConnections int    `json:"websocket_connections"`
}

// StatePatch carries only the fields a caller wants to change; nil/unset
// fields are preserved (spec.md §4.A "upsert semantics").
type StatePatch struct {
	Status               *Status
	Port                 **int
	PID                  **int
	LastActivity         **int64
	StartedAt            **int64
	WebSocketConnections *int
}

// GetState returns the persisted state for name, or nil if it has never
// been written.
func (s *Store) GetState(name string) (*ProjectState, error) {
	var st *ProjectState
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketProjects).Get([]byte(name))
		if raw == nil {
			return nil
		}
		var v ProjectState
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode project state %q: %w", name, err)
		}
		st = &v
		return nil
	})
	return st, err
}

// SetState applies patch to name's row, creating it if absent.
func (s *Store) SetState(name string, patch StatePatch) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		st := ProjectState{Name: name, Status: StatusStopped}
		if raw := b.Get([]byte(name)); raw != nil {
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode project state %q: %w", name, err)
			}
		}

		if patch.Status != nil {
			st.Status = *patch.Status
		}
		if patch.Port != nil {
			st.Port = *patch.Port
		}
		if patch.PID != nil {
			st.PID = *patch.PID
		}
		if patch.LastActivity != nil {
			st.LastActivity = *patch.LastActivity
		}
		if patch.StartedAt != nil {
			st.StartedAt = *patch.StartedAt
		}
		if patch.WebSocketConnections != nil {
			st.WebSocketConnections = *patch.WebSocketConnections
		}

		return putJSON(b, name, st)
	})
}

// UpdateActivity stamps last_activity = now and appends now to
// request_history, trimming to the 20 most recent (spec.md §4.A). Per the
// Open Question resolution in spec.md §9, history persistence is
// unconditional.
func (s *Store) UpdateActivity(name string) error {
	ts := now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		projects := tx.Bucket(bucketProjects)
		st := ProjectState{Name: name, Status: StatusStopped}
		if raw := projects.Get([]byte(name)); raw != nil {
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode project state %q: %w", name, err)
			}
		}
		st.LastActivity = &ts
		if err := putJSON(projects, name, st); err != nil {
			return err
		}

		metrics := tx.Bucket(bucketMetrics)
		m := ProjectMetrics{Name: name}
		if raw := metrics.Get([]byte(name)); raw != nil {
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode project metrics %q: %w", name, err)
			}
		}
		m.RequestHistory = appendTrimmed(m.RequestHistory, ts, 20)
		return putJSON(metrics, name, m)
	})
}

// IncWS atomically increments websocket_connections and stamps
// last_activity (spec.md §4.A, §5).
func (s *Store) IncWS(name string) error {
	return s.bumpWS(name, 1)
}

// DecWS atomically decrements websocket_connections, floored at 0, and
// stamps last_activity (spec.md §4.A, §3 invariant 4).
func (s *Store) DecWS(name string) error {
	return s.bumpWS(name, -1)
}

func (s *Store) bumpWS(name string, delta int) error {
	ts := now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		st := ProjectState{Name: name, Status: StatusStopped}
		if raw := b.Get([]byte(name)); raw != nil {
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode project state %q: %w", name, err)
			}
		}
		st.WebSocketConnections += delta
		if st.WebSocketConnections < 0 {
			st.WebSocketConnections = 0
		}
		st.LastActivity = &ts
		return putJSON(b, name, st)
	})
}

// AllStates returns every persisted project state, keyed by name.
func (s *Store) AllStates() (map[string]ProjectState, error) {
	out := map[string]ProjectState{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var st ProjectState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode project state %q: %w", k, err)
			}
			out[string(k)] = st
			return nil
		})
	})
	return out, err
}

// DeleteProject removes both the projects and metrics rows for name
// (spec.md §4.A). Log rows are left in place so that recent output remains
// inspectable after a project is removed from config.
func (s *Store) DeleteProject(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketProjects).Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(bucketMetrics).Delete([]byte(name))
	})
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func appendTrimmed(history []int64, ts int64, max int) []int64 {
	history = append(history, ts)
	if len(history) > max {
		history = history[len(history)-max:]
	}
	return history
}
