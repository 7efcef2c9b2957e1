package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStore_AppendAndQuery(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	event := &Event{
		Type:   EventDeviceRegister,
		User:   "admin",
		Action: "device.register",
		Target: &EventTarget{Node: 12},
		Result: &EventResult{Status: "success"},
	}
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if event.ID == "" {
		t.Error("expected event.ID to be set")
	}

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].User != "admin" {
		t.Errorf("user = %q, want admin", events[0].User)
	}
	if events[0].Target.Node != 12 {
		t.Errorf("target.node = %d, want 12", events[0].Target.Node)
	}
}

func TestSQLiteStore_QueryFilters(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventDeviceRegister, Action: "run"})
	store.Append(ctx, &Event{User: "bob", Type: EventDeviceRegister, Action: "run"})
	store.Append(ctx, &Event{User: "alice", Type: EventCANReset, Action: "reset"})

	byUser, err := store.Query(ctx, QueryOptions{User: "alice"})
	if err != nil {
		t.Fatalf("Query by user: %v", err)
	}
	if len(byUser) != 2 {
		t.Errorf("Query(user=alice) = %d events, want 2", len(byUser))
	}

	byType, err := store.Query(ctx, QueryOptions{Type: EventCANReset})
	if err != nil {
		t.Fatalf("Query by type: %v", err)
	}
	if len(byType) != 1 {
		t.Errorf("Query(type=can.reset) = %d events, want 1", len(byType))
	}
}

func TestSQLiteStore_Export(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	store.Append(ctx, &Event{User: "alice", Type: EventStrategyTrigger, Action: "trigger"})
	store.Append(ctx, &Event{User: "bob", Type: EventStrategyTrigger, Action: "trigger"})

	events, err := store.Export(ctx, time.Now().Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Export = %d events, want 2", len(events))
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "persist.db")

	store1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore (write): %v", err)
	}
	store1.Append(context.Background(), &Event{
		User:   "ops",
		Type:   EventEmergencyStop,
		Action: "relay.emergency_stop",
		Result: &EventResult{Status: "success", DevicesTotal: 6},
	})
	store1.Close()

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore (read): %v", err)
	}
	defer store2.Close()

	events, err := store2.Query(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("Query after reopen: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after reopen, got %d", len(events))
	}
	if events[0].Result.DevicesTotal != 6 {
		t.Errorf("devices_total = %d, want 6", events[0].Result.DevicesTotal)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file should exist on disk: %v", err)
	}
}
