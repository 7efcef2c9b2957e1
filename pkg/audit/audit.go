// Package audit provides an immutable, structured audit log for cabinetcore.
//
// Every device registration, group mutation, strategy lifecycle change, and
// CAN interface reset is recorded as a structured event. Events are
// append-only and can be exported to JSON for downstream ingestion.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	EventDeviceRegister  EventType = "device.register"
	EventDeviceRemove    EventType = "device.remove"
	EventGroupMutate     EventType = "group.mutate"
	EventStrategyCreate  EventType = "strategy.create"
	EventStrategyUpdate  EventType = "strategy.update"
	EventStrategyDelete  EventType = "strategy.delete"
	EventStrategyTrigger EventType = "strategy.trigger"
	EventCANReset        EventType = "can.reset"
	EventEmergencyStop   EventType = "relay.emergency_stop"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	User      string         `json:"user"`
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what was targeted by the action.
type EventTarget struct {
	Node    int    `json:"node,omitempty"`
	Ch      int    `json:"ch,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	Action  string `json:"action,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status        string        `json:"status"` // "success", "failure", "partial"
	DevicesTotal  int           `json:"devices_total,omitempty"`
	DevicesOK     int           `json:"devices_ok,omitempty"`
	DevicesFailed int           `json:"devices_failed,omitempty"`
	Duration      time.Duration `json:"duration_ms,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	User  string
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit log.
type Store interface {
	// Append writes an event to the audit log. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)

	// Export returns all events since the given time.
	Export(ctx context.Context, since time.Time) ([]*Event, error)
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore is an append-only file-based audit store using JSON Lines format.
// Each line is a complete JSON event. The file is never modified, only appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.User != "" && e.User != opts.User {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

// Export returns all events since the given time.
func (s *FileStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

func (s *FileStore) readAll() ([]*Event, error) {
	data, err := os.ReadFile(s.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ------------------------------------------------------------------
// Logger is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Logger provides helper methods for common audit patterns.
type Logger struct {
	store Store
	user  string
}

// NewLogger creates an audit logger for the given user.
func NewLogger(store Store, user string) *Logger {
	return &Logger{store: store, user: user}
}

// LogDeviceRegister records a device registration event.
func (l *Logger) LogDeviceRegister(ctx context.Context, node int, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventDeviceRegister,
		User:   l.user,
		Action: "device.register",
		Target: &EventTarget{Node: node},
		Result: result,
	})
}

// LogDeviceRemove records a device removal event.
func (l *Logger) LogDeviceRemove(ctx context.Context, node int, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventDeviceRemove,
		User:   l.user,
		Action: "device.remove",
		Target: &EventTarget{Node: node},
		Result: result,
	})
}

// LogGroupMutate records a group membership or channel-binding mutation.
func (l *Logger) LogGroupMutate(ctx context.Context, groupID string, action string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventGroupMutate,
		User:   l.user,
		Action: "group.mutate",
		Target: &EventTarget{GroupID: groupID, Action: action},
		Result: result,
	})
}

// LogStrategyCreate records a strategy creation event.
func (l *Logger) LogStrategyCreate(ctx context.Context, strategyID string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventStrategyCreate,
		User:   l.user,
		Action: "strategy.create",
		Metadata: map[string]any{
			"strategy_id": strategyID,
		},
		Result: result,
	})
}

// LogStrategyUpdate records a strategy update event (version bump).
func (l *Logger) LogStrategyUpdate(ctx context.Context, strategyID string, version int, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventStrategyUpdate,
		User:   l.user,
		Action: "strategy.update",
		Metadata: map[string]any{
			"strategy_id": strategyID,
			"version":     version,
		},
		Result: result,
	})
}

// LogStrategyDelete records a strategy soft-delete (tombstone) event.
func (l *Logger) LogStrategyDelete(ctx context.Context, strategyID string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventStrategyDelete,
		User:   l.user,
		Action: "strategy.delete",
		Metadata: map[string]any{
			"strategy_id": strategyID,
		},
		Result: result,
	})
}

// LogStrategyTrigger records a manual or scheduled strategy firing.
func (l *Logger) LogStrategyTrigger(ctx context.Context, strategyID string, manual bool, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventStrategyTrigger,
		User:   l.user,
		Action: "strategy.trigger",
		Metadata: map[string]any{
			"strategy_id": strategyID,
			"manual":      manual,
		},
		Result: result,
	})
}

// LogCANReset records a CAN interface reset attempt.
func (l *Logger) LogCANReset(ctx context.Context, iface string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventCANReset,
		User:   l.user,
		Action: "can.reset",
		Metadata: map[string]any{
			"interface": iface,
		},
		Result: result,
	})
}

// LogEmergencyStop records an emergency-stop-all invocation.
func (l *Logger) LogEmergencyStop(ctx context.Context, optimized bool, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventEmergencyStop,
		User:   l.user,
		Action: "relay.emergency_stop",
		Metadata: map[string]any{
			"optimized": optimized,
		},
		Result: result,
	})
}
