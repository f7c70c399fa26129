package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/gateway"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
)

type fakeGateway struct {
	inbound  []gateway.InboundMessage
	sent     []string
	fetchErr error
	sendErr  error
}

func (f *fakeGateway) FetchInbound(ctx context.Context, identifier string, sinceCheckpoint int64) ([]gateway.InboundMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []gateway.InboundMessage
	for _, m := range f.inbound {
		if m.Timestamp > sinceCheckpoint {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeGateway) Send(ctx context.Context, identifier, body string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, body)
	return nil
}

type testEnv struct {
	Engine  engine.Engine
	Gateway *fakeGateway
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("co-1")
	gw := &fakeGateway{}
	eng := engine.New(conn, cfg, gw)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitCompany(ctx, "co-1", "Test Co", "tester"); err != nil {
		t.Fatalf("init company: %v", err)
	}
	return testEnv{Engine: eng, Gateway: gw, Ctx: ctx}
}

func createOrder(t *testing.T, env testEnv, externalChat string) domain.WorkOrder {
	t.Helper()
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CompanyID:    "co-1",
		ClientName:   "Maria Silva",
		Address:      "Rua A 123",
		AssigneeID:   "tech-1",
		Description:  "fridge not cooling",
		ExternalChat: externalChat,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestOrderStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "")
	if o.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", o.Status)
	}
	// valid path including the part-wait loop
	for _, next := range []string{
		domain.StatusInProgress,
		domain.StatusAwaitingPart,
		domain.StatusInProgress,
		domain.StatusCompleted,
	} {
		var err error
		o, err = env.Engine.UpdateStatus(env.Ctx, o.ID, next, "tester")
		if err != nil || o.Status != next {
			t.Fatalf("to %s: %v", next, err)
		}
	}
	if o.CompletedAt == nil || o.CompletedBy == nil {
		t.Fatalf("expected completion stamps")
	}
	// terminal states reject every transition
	for _, next := range []string{domain.StatusPending, domain.StatusInProgress, domain.StatusCancelled} {
		_, err := env.Engine.UpdateStatus(env.Ctx, o.ID, next, "tester")
		var se *engine.StateError
		if !errors.As(err, &se) {
			t.Fatalf("expected StateError for completed -> %s, got %v", next, err)
		}
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "")
	// no skipping straight to completed or awaiting_part
	for _, next := range []string{domain.StatusCompleted, domain.StatusAwaitingPart} {
		_, err := env.Engine.UpdateStatus(env.Ctx, o.ID, next, "tester")
		var se *engine.StateError
		if !errors.As(err, &se) {
			t.Fatalf("expected StateError for pending -> %s, got %v", next, err)
		}
	}
	// cancel is allowed from any non-terminal state
	o2 := createOrder(t, env, "")
	if _, err := env.Engine.UpdateStatus(env.Ctx, o2.ID, domain.StatusCancelled, "tester"); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
}

func TestCreateOrderValidationAndDefaults(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CompanyID:   "co-1",
		Address:     "Rua A 123",
		AssigneeID:  "tech-1",
		Description: "broken",
		ActorID:     "tester",
	})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "client_name" {
		t.Fatalf("expected client_name validation error, got %v", err)
	}
	_, err = env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CompanyID:   "co-1",
		ClientName:  "Maria",
		Address:     "Rua A 123",
		AssigneeID:  "tech-1",
		Description: "broken",
		Priority:    "urgent",
		ActorID:     "tester",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected priority validation error, got %v", err)
	}
	first := createOrder(t, env, "")
	second := createOrder(t, env, "")
	if first.Priority != domain.PriorityMedium {
		t.Fatalf("expected default priority medium, got %s", first.Priority)
	}
	if first.Code == "" || first.Code == second.Code {
		t.Fatalf("expected distinct monotonic codes, got %q and %q", first.Code, second.Code)
	}
}

func TestAcceptOrder(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "")
	o, err := env.Engine.AcceptOrder(env.Ctx, o.ID, "tech-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o.AcceptedAt == nil {
		t.Fatalf("expected accepted_at stamp")
	}
	if o.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress after accept, got %s", o.Status)
	}
	stamp := *o.AcceptedAt
	// accepting again keeps the first stamp
	o, err = env.Engine.AcceptOrder(env.Ctx, o.ID, "tech-1")
	if err != nil || *o.AcceptedAt != stamp {
		t.Fatalf("second accept: %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusCancelled, "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = env.Engine.AcceptOrder(env.Ctx, o.ID, "tech-1")
	var se *engine.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError accepting cancelled order, got %v", err)
	}
}

func TestWriteStageAnyOrder(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "")
	// stage 3 before 1 and 2 is fine
	s, err := env.Engine.WriteStage(env.Ctx, o.ID, 3, domain.StagePayload{DurationTotal: "2h"}, "tech-1")
	if err != nil {
		t.Fatalf("write stage 3: %v", err)
	}
	if s.CompletedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("expected completion stamp from clock, got %s", s.CompletedAt)
	}
	_, err = env.Engine.WriteStage(env.Ctx, o.ID, 0, domain.StagePayload{}, "tech-1")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for stage 0, got %v", err)
	}
	// overwrite stage 3
	if _, err := env.Engine.WriteStage(env.Ctx, o.ID, 3, domain.StagePayload{DurationTotal: "3h"}, "tech-1"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	stages, err := env.Engine.Repo.GetStages(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get stages: %v", err)
	}
	if len(stages) != 1 || stages[3].Payload.DurationTotal != "3h" {
		t.Fatalf("expected overwritten stage 3, got %+v", stages)
	}
}

func TestConversationMergesExternal(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "+5511999")
	if _, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		OrderID: o.ID, SenderID: "tech-1", Body: "on my way",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env.Gateway.inbound = []gateway.InboundMessage{
		{ID: "e1", Chat: "+5511999", From: "client", Body: "ok", Timestamp: 100},
	}
	msgs, degraded, err := env.Engine.Conversation(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if degraded {
		t.Fatalf("unexpected degraded flag")
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	// external message from 1970 sorts before the internal one from 2024
	if msgs[0].ID != "e1" || msgs[0].Channel != domain.ChannelExternal {
		t.Fatalf("expected external message first, got %+v", msgs[0])
	}
}

func TestConversationDegradesWhenGatewayFails(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "+5511999")
	if _, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		OrderID: o.ID, SenderID: "tech-1", Body: "internal note",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env.Gateway.fetchErr = gateway.ErrUnavailable
	msgs, degraded, err := env.Engine.Conversation(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("conversation should not fail: %v", err)
	}
	if !degraded {
		t.Fatalf("expected degraded flag")
	}
	if len(msgs) != 1 || msgs[0].Channel != domain.ChannelInternal {
		t.Fatalf("expected internal-only conversation, got %+v", msgs)
	}
}

func TestSendMessageExternal(t *testing.T) {
	env := newTestEnv(t)
	noChat := createOrder(t, env, "")
	_, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		OrderID: noChat.ID, SenderID: "tech-1", Body: "hi", External: true,
	})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error without external chat, got %v", err)
	}
	_, err = env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		OrderID: noChat.ID, SenderID: "tech-1",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected body validation error, got %v", err)
	}

	o := createOrder(t, env, "+5511999")
	if _, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		OrderID: o.ID, SenderID: "tech-1", Body: "we are coming", External: true,
	}); err != nil {
		t.Fatalf("external send: %v", err)
	}
	if len(env.Gateway.sent) != 1 || env.Gateway.sent[0] != "we are coming" {
		t.Fatalf("expected relay through gateway, got %v", env.Gateway.sent)
	}
	// gateway failure surfaces after the internal append committed
	env.Gateway.sendErr = gateway.ErrUnavailable
	_, err = env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{
		OrderID: o.ID, SenderID: "tech-1", Body: "second", External: true,
	})
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	internal, err := env.Engine.Repo.ListMessages(env.Ctx, o.ID, domain.ChannelInternal)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(internal) != 2 {
		t.Fatalf("expected both internal messages persisted, got %d", len(internal))
	}
}

func TestCaptureRatings(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "+5511999")
	env.Gateway.inbound = []gateway.InboundMessage{
		{ID: "m1", Chat: "+5511999", From: "co", Body: "8", FromMe: true, Timestamp: 10},
		{ID: "m2", Chat: "+5511999", From: "client", Body: "8", Timestamp: 20},
		{ID: "m3", Chat: "+5511999", From: "client", Body: "75", Timestamp: 30},
		{ID: "m4", Chat: "+5511999", From: "client", Body: "vc nos daria um 8?", Timestamp: 40},
	}
	n, err := env.Engine.CaptureRatings(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 captured rating, got %d", n)
	}
	// cursor advanced past everything fetched, nothing new to capture
	n, err = env.Engine.CaptureRatings(env.Ctx, o.ID)
	if err != nil || n != 0 {
		t.Fatalf("expected 0 on second pass, got %d (%v)", n, err)
	}
	ratings, err := env.Engine.Repo.ListRatings(env.Ctx, repo.RatingFilters{CompanyID: "co-1", OrderID: o.ID})
	if err != nil {
		t.Fatalf("list ratings: %v", err)
	}
	if len(ratings) != 1 || ratings[0].Score != 8 || ratings[0].MessageID != "m2" {
		t.Fatalf("unexpected ratings %+v", ratings)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env, "")
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusInProgress, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.WriteStage(env.Ctx, o.ID, 1, domain.StagePayload{DataConfirmed: true}, "tech-1"); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, o.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected create/status/stage events, got %d", count)
	}
}

func TestInitCompanyCreateAndDuplicate(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("co-1"), nil)
	ctx := context.Background()

	// both calls must complete promptly; the single-connection pool means any
	// pool read issued while an init transaction is open would block forever
	done := make(chan error, 1)
	go func() {
		if _, err := eng.InitCompany(ctx, "co-1", "Test Co", "tester"); err != nil {
			done <- err
			return
		}
		_, err := eng.InitCompany(ctx, "co-1", "Test Co Again", "tester")
		done <- err
	}()
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("InitCompany did not return; init blocked on the connection pool")
	}
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict on duplicate company, got %v", err)
	}
	if ce.Resource != "company" || ce.ID != "co-1" {
		t.Fatalf("unexpected conflict details %+v", ce)
	}
}
