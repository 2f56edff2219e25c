package events_test

import (
	"context"
	"testing"

	"okrio/internal/db"
	"okrio/internal/domain"
	"okrio/internal/events"
	"okrio/internal/migrate"
)

func newWriter(t *testing.T) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return events.Writer{DB: conn}
}

func TestPublishAndList(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()

	first := domain.Event{
		UnitID: "obj-1", ToState: domain.StateDraft, ActorID: "alice",
		TS: "2026-01-01T00:00:00Z",
	}
	second := domain.Event{
		UnitID: "obj-1", FromState: domain.StateDraft, ToState: domain.StateExpertReview,
		ActorID: "alice", TS: "2026-01-02T00:00:00Z",
	}
	if err := w.Publish(ctx, first); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := w.Publish(ctx, second); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := w.List(ctx, "obj-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].ToState != domain.StateDraft || got[0].FromState != "" {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].FromState != domain.StateDraft || got[1].ToState != domain.StateExpertReview {
		t.Fatalf("second event = %+v", got[1])
	}

	other, err := w.List(ctx, "obj-2")
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("unexpected events for other unit: %+v", other)
	}
}

func TestPublishFillsTimestamp(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()

	if err := w.Publish(ctx, domain.Event{UnitID: "obj-1", ToState: domain.StateDraft, ActorID: "alice"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := w.List(ctx, "obj-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].TS == "" {
		t.Fatalf("events = %+v", got)
	}
}
