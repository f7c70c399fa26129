package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/dispatch"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
)

type testEnv struct {
	Engine   engine.Engine
	Dispatch dispatch.Dispatcher
	Ctx      context.Context
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
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	d := dispatch.New(conn, cfg)
	d.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.InitCompany(ctx, "co-1", "Test Co", "tester"); err != nil {
		t.Fatalf("init company: %v", err)
	}
	return testEnv{Engine: eng, Dispatch: d, Ctx: ctx}
}

func createOrder(t *testing.T, env testEnv) domain.WorkOrder {
	t.Helper()
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CompanyID:   "co-1",
		ClientName:  "Maria Silva",
		Address:     "Rua A 123",
		AssigneeID:  "tech-1",
		Description: "fridge not cooling",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func notifications(t *testing.T, env testEnv, orderID string) []domain.Notification {
	t.Helper()
	items, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{CompanyID: "co-1", OrderID: orderID})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return items
}

func TestStageMilestoneFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	if _, err := env.Engine.WriteStage(env.Ctx, o.ID, 1, domain.StagePayload{DataConfirmed: true}, "tech-1"); err != nil {
		t.Fatalf("write stage: %v", err)
	}
	fired, err := env.Dispatch.Evaluate(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 notification fired, got %d", fired)
	}
	// the condition still holds on the next tick but the flag is already set
	fired, err = env.Dispatch.Evaluate(env.Ctx, o.ID)
	if err != nil || fired != 0 {
		t.Fatalf("expected 0 on second tick, got %d (%v)", fired, err)
	}
	items := notifications(t, env, o.ID)
	if len(items) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(items))
	}
	if items[0].Type != "milestone.stage1_done" {
		t.Fatalf("unexpected notification type %s", items[0].Type)
	}
}

func TestAcceptedMilestone(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	fired, err := env.Dispatch.Evaluate(env.Ctx, o.ID)
	if err != nil || fired != 0 {
		t.Fatalf("nothing met yet, got %d (%v)", fired, err)
	}
	if _, err := env.Engine.AcceptOrder(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	fired, err = env.Dispatch.Evaluate(env.Ctx, o.ID)
	if err != nil || fired != 1 {
		t.Fatalf("expected accepted milestone, got %d (%v)", fired, err)
	}
	items := notifications(t, env, o.ID)
	if len(items) != 1 || items[0].Type != "milestone.accepted" {
		t.Fatalf("unexpected notifications %+v", items)
	}
}

func TestAllMilestones(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	if _, err := env.Engine.AcceptOrder(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= 3; n++ {
		if _, err := env.Engine.WriteStage(env.Ctx, o.ID, n, domain.StagePayload{}, "tech-1"); err != nil {
			t.Fatal(err)
		}
	}
	fired, err := env.Dispatch.Evaluate(env.Ctx, o.ID)
	if err != nil || fired != 4 {
		t.Fatalf("expected all 4 milestones, got %d (%v)", fired, err)
	}
	full, err := env.Engine.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Milestones) != 4 {
		t.Fatalf("expected 4 milestone flags on the order, got %v", full.Milestones)
	}
}

func TestConcurrentEvaluateFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	if _, err := env.Engine.WriteStage(env.Ctx, o.ID, 2, domain.StagePayload{GeneralNotes: "done"}, "tech-1"); err != nil {
		t.Fatal(err)
	}
	const workers = 8
	var wg sync.WaitGroup
	fired := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := env.Dispatch.Evaluate(env.Ctx, o.ID)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			fired[i] = n
		}(i)
	}
	wg.Wait()
	total := 0
	for _, n := range fired {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected exactly one winner across %d workers, got %d", workers, total)
	}
	if items := notifications(t, env, o.ID); len(items) != 1 {
		t.Fatalf("expected one notification row, got %d", len(items))
	}
}

func TestNotificationRendering(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	if _, err := env.Engine.AcceptOrder(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Dispatch.Evaluate(env.Ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	items := notifications(t, env, o.ID)
	if len(items) != 1 {
		t.Fatalf("expected one notification, got %d", len(items))
	}
	n := items[0]
	if n.Title == "" || n.Audience == "" {
		t.Fatalf("expected rendered title and audience, got %+v", n)
	}
}

func TestOnNotifyCallbackAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env)
	var got []domain.Notification
	env.Dispatch.OnNotify = func(n domain.Notification) { got = append(got, n) }
	if _, err := env.Engine.AcceptOrder(env.Ctx, o.ID, "tech-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Dispatch.Evaluate(env.Ctx, o.ID); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(got) != 1 || got[0].Type != "milestone.accepted" {
		t.Fatalf("expected one callback for the accepted milestone, got %+v", got)
	}
	// the callback fires only for notifications created by this call
	if _, err := env.Dispatch.Evaluate(env.Ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected no callback on a no-op tick, got %d", len(got))
	}
}
