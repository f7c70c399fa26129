package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/chat"
	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/gateway"
	"fieldline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Gateway gateway.Client
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gw gateway.Client) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Gateway: gw,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitCompany creates a company record with its default config.
func (e Engine) InitCompany(ctx context.Context, companyID, name, actorID string) (domain.Company, error) {
	// existence check runs before the transaction: the pool is capped at one
	// connection, so a pool read under an open tx would deadlock
	if _, err := e.Repo.GetCompany(ctx, companyID); err == nil {
		return domain.Company{}, &ConflictError{Resource: "company", ID: companyID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Company{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Company{}, err
	}
	defer tx.Rollback()

	c := domain.Company{
		ID:        companyID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO companies(id,name,status,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, c.Status, c.CreatedAt); err != nil {
		return domain.Company{}, fmt.Errorf("insert company: %w", err)
	}
	if err := e.Repo.UpsertCompanyConfigTx(ctx, tx, c.ID, config.Default(c.ID)); err != nil {
		return domain.Company{}, fmt.Errorf("insert company config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "company.init", c.ID, "company", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Company{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Company{}, err
	}
	return c, nil
}

// OrderCreateOptions are parameters for creating a work order.
type OrderCreateOptions struct {
	CompanyID    string
	ClientName   string
	ClientPhone  string
	ClientEmail  string
	Address      string
	City         string
	Priority     string
	AssigneeID   string
	Description  string
	ExternalChat string
	ActorID      string
}

func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.WorkOrder, error) {
	if e.Config == nil {
		return domain.WorkOrder{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.ClientName) == "" {
		return domain.WorkOrder{}, &ValidationError{Field: "client_name"}
	}
	if strings.TrimSpace(opts.Address) == "" {
		return domain.WorkOrder{}, &ValidationError{Field: "address"}
	}
	if strings.TrimSpace(opts.AssigneeID) == "" {
		return domain.WorkOrder{}, &ValidationError{Field: "assignee_id"}
	}
	if strings.TrimSpace(opts.Description) == "" {
		return domain.WorkOrder{}, &ValidationError{Field: "description"}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	switch opts.Priority {
	case domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
	default:
		return domain.WorkOrder{}, &ValidationError{Field: "priority", Reason: "must be high, medium or low"}
	}
	if _, err := e.Repo.GetCompany(ctx, opts.CompanyID); err != nil {
		return domain.WorkOrder{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	o := domain.WorkOrder{
		ID:           uuid.New().String(),
		CompanyID:    opts.CompanyID,
		ClientName:   opts.ClientName,
		ClientPhone:  opts.ClientPhone,
		ClientEmail:  opts.ClientEmail,
		Address:      opts.Address,
		City:         opts.City,
		Status:       domain.StatusPending,
		Priority:     opts.Priority,
		AssigneeID:   optionalString(opts.AssigneeID),
		Description:  opts.Description,
		ExternalChat: opts.ExternalChat,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	o.Code, err = e.Repo.NextOrderCode(ctx, tx, o.CompanyID, e.Config.Orders.CodePrefix)
	if err != nil {
		return domain.WorkOrder{}, fmt.Errorf("allocate order code: %w", err)
	}
	if err := e.Repo.InsertOrder(ctx, tx, o); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.created", o.CompanyID, "order", o.ID, opts.ActorID, events.EventPayload{
		"code":   o.Code,
		"client": o.ClientName,
		"status": o.Status,
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return o, nil
}

// GetOrder returns an order hydrated with its stages and milestone set.
func (e Engine) GetOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	if o.Stages, err = e.Repo.GetStages(ctx, o.ID); err != nil {
		return o, err
	}
	if o.Milestones, err = e.Repo.ListMilestones(ctx, o.ID); err != nil {
		return o, err
	}
	return o, nil
}

// OrderUpdateOptions encapsulates allowed partial updates. Status changes go
// through UpdateStatus, never through here.
type OrderUpdateOptions struct {
	ID           string
	ClientName   *string
	ClientPhone  *string
	ClientEmail  *string
	Address      *string
	City         *string
	Priority     *string
	Description  *string
	ExternalChat *string
	Assign       *string
	ActorID      string
}

func (e Engine) UpdateOrder(ctx context.Context, opts OrderUpdateOptions) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, opts.ID)
	if err != nil {
		return o, err
	}
	if opts.ClientName != nil {
		if strings.TrimSpace(*opts.ClientName) == "" {
			return o, &ValidationError{Field: "client_name"}
		}
		o.ClientName = *opts.ClientName
	}
	if opts.ClientPhone != nil {
		o.ClientPhone = *opts.ClientPhone
	}
	if opts.ClientEmail != nil {
		o.ClientEmail = *opts.ClientEmail
	}
	if opts.Address != nil {
		if strings.TrimSpace(*opts.Address) == "" {
			return o, &ValidationError{Field: "address"}
		}
		o.Address = *opts.Address
	}
	if opts.City != nil {
		o.City = *opts.City
	}
	if opts.Priority != nil {
		switch *opts.Priority {
		case domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
			o.Priority = *opts.Priority
		default:
			return o, &ValidationError{Field: "priority", Reason: "must be high, medium or low"}
		}
	}
	if opts.Description != nil {
		if strings.TrimSpace(*opts.Description) == "" {
			return o, &ValidationError{Field: "description"}
		}
		o.Description = *opts.Description
	}
	if opts.ExternalChat != nil {
		o.ExternalChat = *opts.ExternalChat
	}
	if opts.Assign != nil {
		if *opts.Assign == "" {
			o.AssigneeID = nil
		} else {
			o.AssigneeID = opts.Assign
		}
	}
	o.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.updated", o.CompanyID, "order", o.ID, opts.ActorID, events.EventPayload{"code": o.Code}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// ensureStatusTransition validates a move along the status graph. Terminal
// states have no outgoing edges.
func ensureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusInProgress:
		if newStatus == domain.StatusAwaitingPart || newStatus == domain.StatusCompleted || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusAwaitingPart:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusCancelled {
			return nil
		}
	}
	return &StateError{From: oldStatus, To: newStatus}
}

// UpdateStatus moves an order along the status graph. A transition to
// Completed records the completion time and the completing actor.
func (e Engine) UpdateStatus(ctx context.Context, id, newStatus, actorID string) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	if err := ensureStatusTransition(o.Status, newStatus); err != nil {
		return o, err
	}
	from := o.Status
	now := e.now().UTC().Format(time.RFC3339)
	o.Status = newStatus
	o.UpdatedAt = now
	if newStatus == domain.StatusCompleted {
		o.CompletedAt = &now
		o.CompletedBy = optionalString(actorID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.status", o.CompanyID, "order", o.ID, actorID, events.EventPayload{
		"from": from,
		"to":   newStatus,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// AcceptOrder records the assignee taking the order. The first acceptance
// stamps accepted_at, which arms the accepted milestone; a pending order also
// moves to in_progress.
func (e Engine) AcceptOrder(ctx context.Context, id, actorID string) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	if domain.Terminal(o.Status) {
		return o, &StateError{From: o.Status, To: domain.StatusInProgress}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if o.AcceptedAt == nil {
		o.AcceptedAt = &now
	}
	from := o.Status
	if o.Status == domain.StatusPending {
		o.Status = domain.StatusInProgress
	}
	o.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.accepted", o.CompanyID, "order", o.ID, actorID, events.EventPayload{
		"from": from,
		"to":   o.Status,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

func (e Engine) DeleteOrder(ctx context.Context, id, actorID string) error {
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id=?`, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "order.deleted", o.CompanyID, "order", o.ID, actorID, events.EventPayload{"code": o.Code}); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteStage records one checklist stage. Stages are accepted in any order
// and independently of the order's status; each successful write stamps the
// stage's completed_at with the write time.
func (e Engine) WriteStage(ctx context.Context, orderID string, number int, payload domain.StagePayload, actorID string) (domain.Stage, error) {
	if number < 1 || number > 3 {
		return domain.Stage{}, &ValidationError{Field: "stage", Reason: "must be 1, 2 or 3"}
	}
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Stage{}, err
	}
	s := domain.Stage{
		OrderID:     orderID,
		Number:      number,
		Payload:     payload,
		CompletedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertStage(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "order.stage", o.CompanyID, "order", o.ID, actorID, events.EventPayload{
		"stage":        number,
		"completed_at": s.CompletedAt,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// Conversation returns the merged conversation for an order. When the
// gateway cannot be reached the result degrades to internal messages only and
// degraded is true; the error is logged, not returned.
func (e Engine) Conversation(ctx context.Context, orderID string) (msgs []domain.Message, degraded bool, err error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	internal, err := e.Repo.ListMessages(ctx, orderID, domain.ChannelInternal)
	if err != nil {
		return nil, false, err
	}
	var external []domain.Message
	if o.ExternalChat != "" && e.Gateway != nil {
		raw, gerr := e.Gateway.FetchInbound(ctx, o.ExternalChat, 0)
		if gerr != nil {
			log.Printf("engine: gateway fetch for order %s failed, internal-only conversation: %v", o.Code, gerr)
			degraded = true
		} else {
			external = gateway.Translate(raw, orderID)
		}
	}
	return chat.Merge(internal, external), degraded, nil
}

// SendMessageOptions are parameters for sending a conversation message.
type SendMessageOptions struct {
	OrderID    string
	SenderID   string
	SenderName string
	Body       string
	MediaRef   string
	MediaType  string
	External   bool
}

// SendMessage appends an internal message and, when requested, relays it to
// the order's external chat through the gateway. A gateway failure surfaces
// to the caller after the internal append committed.
func (e Engine) SendMessage(ctx context.Context, opts SendMessageOptions) (domain.Message, error) {
	if strings.TrimSpace(opts.Body) == "" && opts.MediaRef == "" {
		return domain.Message{}, &ValidationError{Field: "body"}
	}
	o, err := e.Repo.GetOrder(ctx, opts.OrderID)
	if err != nil {
		return domain.Message{}, err
	}
	if opts.External && o.ExternalChat == "" {
		return domain.Message{}, &ValidationError{Field: "external", Reason: "order has no external chat bound"}
	}
	m := domain.Message{
		ID:          uuid.New().String(),
		OrderID:     o.ID,
		Channel:     domain.ChannelInternal,
		SenderID:    opts.SenderID,
		SenderName:  opts.SenderName,
		Body:        opts.Body,
		MediaRef:    opts.MediaRef,
		MediaType:   opts.MediaType,
		FromCompany: true,
		Read:        true,
		Timestamp:   e.now().UTC().UnixMilli(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "message.sent", o.CompanyID, "message", m.ID, opts.SenderID, events.EventPayload{
		"order":    o.ID,
		"external": opts.External,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	if opts.External {
		if e.Gateway == nil {
			return m, gateway.ErrUnavailable
		}
		if err := e.Gateway.Send(ctx, o.ExternalChat, opts.Body); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (e Engine) DeleteMessage(ctx context.Context, orderID, messageID, actorID string) error {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE order_id=? AND channel=? AND id=?`, orderID, domain.ChannelInternal, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	if err := e.Events.Append(ctx, tx, "message.deleted", o.CompanyID, "message", messageID, actorID, events.EventPayload{"order": o.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CaptureRatings scans new inbound external messages for bare satisfaction
// scores and records one rating per source message. The gateway cursor is
// advanced past everything fetched so a message is scanned once.
func (e Engine) CaptureRatings(ctx context.Context, orderID string) (int, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if o.ExternalChat == "" || e.Gateway == nil {
		return 0, nil
	}
	cursor, err := e.Repo.GetGatewayCursor(ctx, orderID)
	if err != nil {
		return 0, err
	}
	raw, err := e.Gateway.FetchInbound(ctx, o.ExternalChat, cursor)
	if err != nil {
		return 0, err
	}
	captured := 0
	maxTS := cursor
	for _, in := range raw {
		if in.Timestamp > maxTS {
			maxTS = in.Timestamp
		}
		if in.FromMe {
			continue
		}
		score, ok := chat.ExtractScore(in.Body)
		if !ok {
			continue
		}
		r := domain.Rating{
			ID:        uuid.New().String(),
			CompanyID: o.CompanyID,
			OrderID:   o.ID,
			MessageID: in.ID,
			Score:     score,
			CreatedAt: e.now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return captured, err
		}
		inserted, err := e.Repo.InsertRating(ctx, tx, r)
		if err != nil {
			tx.Rollback()
			return captured, err
		}
		if !inserted {
			tx.Rollback()
			continue
		}
		if err := e.Events.Append(ctx, tx, "rating.captured", o.CompanyID, "rating", r.ID, in.From, events.EventPayload{
			"order": o.ID,
			"score": score,
		}); err != nil {
			tx.Rollback()
			return captured, err
		}
		if err := tx.Commit(); err != nil {
			return captured, err
		}
		captured++
	}
	if maxTS > cursor {
		if err := e.Repo.SetGatewayCursor(ctx, orderID, maxTS); err != nil {
			return captured, err
		}
	}
	return captured, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
