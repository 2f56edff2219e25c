package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"okrio/internal/domain"
)

// Sink receives domain events after a transition commits. Delivery
// guarantees (ordering, at-least-once) are the sink's responsibility.
type Sink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Writer is a Sink appending events to the workspace database.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Publish(ctx context.Context, ev domain.Event) error {
	ts := ev.TS
	if ts == "" {
		now := w.Now
		if now == nil {
			now = time.Now
		}
		ts = now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx,
		`INSERT INTO events(ts,unit_id,from_state,to_state,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, ev.UnitID, nullable(string(ev.FromState)), string(ev.ToState), ev.ActorID, string(payload))
	return err
}

// List returns events for a unit in append order.
func (w Writer) List(ctx context.Context, unitID string) ([]domain.Event, error) {
	rows, err := w.DB.QueryContext(ctx,
		`SELECT id,ts,unit_id,COALESCE(from_state,''),to_state,actor_id FROM events WHERE unit_id=? ORDER BY id`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.UnitID, &from, &to, &ev.ActorID); err != nil {
			return nil, err
		}
		ev.FromState = domain.State(from)
		ev.ToState = domain.State(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Discard drops every event. Useful as a default when no sink is wired.
type Discard struct{}

func (Discard) Publish(context.Context, domain.Event) error { return nil }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
