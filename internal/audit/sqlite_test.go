package audit

import (
	"context"
	"testing"
	"time"
)

func memStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_InsertAndRecent(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	for i, et := range []string{EventRequest, EventBlock, EventRequest} {
		evt := Event{
			EventType: et,
			ClientIP:  "192.168.1.50",
			Endpoint:  "api.openai.com",
			Action:    "allow",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		evt.Stamp(base)
		if err := s.Insert(ctx, evt); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	events, err := s.Recent(ctx, Query{Limit: 10})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	// Newest first.
	if !events[0].Timestamp.After(events[2].Timestamp) {
		t.Error("expected descending timestamp order")
	}

	blocks, err := s.Recent(ctx, Query{EventType: EventBlock})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Errorf("block events = %d, want 1", len(blocks))
	}
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	now := time.Now()
	for _, action := range []string{"allow", "allow", "block", "alert"} {
		evt := Event{EventType: EventRequest, Action: action, Provider: "openai", Timestamp: now}
		evt.Stamp(now)
		if err := s.Insert(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}
	for _, ms := range []int64{100, 300} {
		evt := Event{EventType: EventResponse, Provider: "anthropic", DurationMS: ms, Timestamp: now}
		evt.Stamp(now)
		if err := s.Insert(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 6 {
		t.Errorf("total = %d, want 6", stats.Total)
	}
	if stats.ByAction["allow"] != 2 || stats.ByAction["block"] != 1 || stats.ByAction["alert"] != 1 {
		t.Errorf("by_action = %v", stats.ByAction)
	}
	if stats.ByProvider["openai"] != 4 || stats.ByProvider["anthropic"] != 2 {
		t.Errorf("by_provider = %v", stats.ByProvider)
	}
	if stats.AvgDurationMS != 200 {
		t.Errorf("avg_duration_ms = %v, want 200", stats.AvgDurationMS)
	}

	// Events outside the window are excluded.
	stats, err = s.Stats(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Errorf("future-window total = %d, want 0", stats.Total)
	}
}

func TestSQLiteStore_DeleteOlderThan(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	now := time.Now()
	old := Event{EventType: EventRequest, Timestamp: now.AddDate(0, 0, -400)}
	old.Stamp(now)
	recent := Event{EventType: EventRequest, Timestamp: now}
	recent.Stamp(now)

	for _, evt := range []Event{old, recent} {
		if err := s.Insert(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := s.DeleteOlderThan(ctx, now.AddDate(0, 0, -365))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	events, _ := s.Recent(ctx, Query{})
	if len(events) != 1 {
		t.Errorf("remaining = %d, want 1", len(events))
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := memStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
