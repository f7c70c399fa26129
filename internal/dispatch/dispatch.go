package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

// Dispatcher evaluates milestone conditions for an order and emits each
// milestone's notification at most once, no matter how many observers tick.
type Dispatcher struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// OnNotify, when set, is invoked after a notification commits. It runs
	// outside the transaction; a panic or slow callback delays the caller
	// but cannot undo the notification.
	OnNotify func(domain.Notification)
}

func New(db *sql.DB, cfg *config.Config) Dispatcher {
	return Dispatcher{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Evaluate runs all milestone conditions against the current order record.
// Returns how many notifications this call fired. Safe to call concurrently:
// the milestone flag is claimed with an atomic add-if-absent, so a losing
// observer skips silently.
func (d Dispatcher) Evaluate(ctx context.Context, orderID string) (int, error) {
	o, err := d.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, m := range domain.AllMilestones {
		met, err := d.conditionMet(ctx, o, m)
		if err != nil {
			return fired, err
		}
		if !met {
			continue
		}
		claimed, err := d.claim(ctx, o, m)
		if err != nil {
			return fired, err
		}
		if !claimed {
			continue
		}
		// The flag is committed and authoritative: a notification failure
		// past this point is logged, never rolled back or retried.
		if err := d.notify(ctx, o, m); err != nil {
			log.Printf("dispatch: milestone %s flagged for order %s but notification failed: %v", m, o.Code, err)
			continue
		}
		fired++
	}
	return fired, nil
}

func (d Dispatcher) conditionMet(ctx context.Context, o domain.WorkOrder, m domain.Milestone) (bool, error) {
	switch m {
	case domain.MilestoneAccepted:
		return o.AcceptedAt != nil, nil
	case domain.MilestoneStage1Done:
		return d.Repo.StageDone(ctx, o.ID, 1)
	case domain.MilestoneStage2Done:
		return d.Repo.StageDone(ctx, o.ID, 2)
	case domain.MilestoneStage3Done:
		return d.Repo.StageDone(ctx, o.ID, 3)
	}
	return false, fmt.Errorf("unknown milestone %s", m)
}

func (d Dispatcher) claim(ctx context.Context, o domain.WorkOrder, m domain.Milestone) (bool, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	now := d.now().UTC().Format(time.RFC3339)
	claimed, err := d.Repo.ClaimMilestone(ctx, tx, o.ID, m, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	if err := d.Events.Append(ctx, tx, "order.milestone", o.CompanyID, "order", o.ID, "dispatcher", events.EventPayload{
		"milestone": string(m),
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (d Dispatcher) notify(ctx context.Context, o domain.WorkOrder, m domain.Milestone) error {
	title, body, audience := d.render(o, m)
	n := domain.Notification{
		ID:        uuid.New().String(),
		CompanyID: o.CompanyID,
		OrderID:   o.ID,
		Type:      "milestone." + string(m),
		Title:     title,
		Body:      body,
		Audience:  audience,
		CreatedAt: d.now().UTC().Format(time.RFC3339),
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertNotification(ctx, tx, n); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, "notification.created", o.CompanyID, "notification", n.ID, "dispatcher", events.EventPayload{
		"order":     o.ID,
		"milestone": string(m),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if d.OnNotify != nil {
		d.OnNotify(n)
	}
	return nil
}

func (d Dispatcher) render(o domain.WorkOrder, m domain.Milestone) (title, body, audience string) {
	title = fmt.Sprintf("Order %s: %s", o.Code, m)
	audience = "dispatchers"
	if d.Config != nil {
		if notice, ok := d.Config.Notifications.Milestones[string(m)]; ok {
			if notice.Title != "" {
				title = notice.Title
			}
			if notice.Body != "" {
				body = notice.Body
			}
			if notice.Audience != "" {
				audience = notice.Audience
			}
		}
	}
	rep := strings.NewReplacer("{code}", o.Code, "{client}", o.ClientName)
	return rep.Replace(title), rep.Replace(body), audience
}
