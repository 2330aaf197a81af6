package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nepremicninko/listing-watch/pkg/metrics"
)

const stateFileName = "watch_state.json"

// CycleRecord describes one finished cycle attempt
type CycleRecord struct {
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Outcome     string        `json:"outcome"` // success, timeout or failure
	Attempt     int           `json:"attempt"`
	Error       string        `json:"error,omitempty"`
	Events      int           `json:"events"`
}

// WatchState contains the persistent state for the watch scheduler
type WatchState struct {
	Last      *CycleRecord `json:"last,omitempty"`
	Cycles    int64        `json:"cycles"`
	Successes int64        `json:"successes"`
	Timeouts  int64        `json:"timeouts"`
	Failures  int64        `json:"failures"`
	Skipped   int64        `json:"skipped"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// StateManager handles persisting and loading watch state.
// With an empty state dir the state lives in memory only.
type StateManager struct {
	stateDir  string
	statePath string
	state     WatchState
	mu        sync.RWMutex
}

// NewStateManager creates a new state manager
func NewStateManager(stateDir string) *StateManager {
	sm := &StateManager{stateDir: stateDir}
	if stateDir != "" {
		sm.statePath = filepath.Join(stateDir, stateFileName)
	}
	return sm
}

// Load loads the state from disk
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			// No state file yet, start fresh
			m.state = WatchState{}
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var loaded WatchState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	m.state = loaded
	return nil
}

// Save saves the state to disk
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()
	if m.statePath == "" {
		return nil
	}

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write then rename so a crash never leaves a truncated file
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// LastCompletion returns when the previous cycle attempt finished (zero if never)
func (m *StateManager) LastCompletion() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Last == nil {
		return time.Time{}
	}
	return m.state.Last.CompletedAt
}

// RecordCompletion stores rec as the latest attempt and bumps the counters
func (m *StateManager) RecordCompletion(rec CycleRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Last = &rec
	m.state.Cycles++
	switch rec.Outcome {
	case metrics.OutcomeSuccess:
		m.state.Successes++
	case metrics.OutcomeTimeout:
		m.state.Timeouts++
	default:
		m.state.Failures++
	}
}

// RecordSkip counts an invocation skipped because a cycle was running
func (m *StateManager) RecordSkip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Skipped++
}

// Snapshot returns a copy of the current state
func (m *StateManager) Snapshot() WatchState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.state
	if s.Last != nil {
		last := *s.Last
		s.Last = &last
	}
	return s
}
