// Package events appends to the append-only audit log. Writes always ride the
// caller's transaction so an event never outlives the mutation it records.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type EventPayload map[string]any

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) stamp() string {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, companyID, entityKind, entityID, actorID string, payload EventPayload) error {
	data := []byte("{}")
	if len(payload) > 0 {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	var company, entity any
	if companyID != "" {
		company = companyID
	}
	if entityID != "" {
		entity = entityID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,company_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.stamp(), evtType, company, entityKind, entity, actorID, string(data)); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}
