package watch_test

import (
	"context"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/dispatch"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/gateway"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/watch"
)

func TestHubPublishAndCancel(t *testing.T) {
	hub := watch.NewHub()
	var got []string
	cancel, err := hub.Subscribe(context.Background(), "o1", func(o domain.WorkOrder) {
		got = append(got, o.Status)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.Publish(domain.WorkOrder{ID: "o1", Status: domain.StatusInProgress})
	hub.Publish(domain.WorkOrder{ID: "other", Status: domain.StatusPending})
	if len(got) != 1 || got[0] != domain.StatusInProgress {
		t.Fatalf("expected one delivery for o1, got %v", got)
	}
	cancel()
	hub.Publish(domain.WorkOrder{ID: "o1", Status: domain.StatusCompleted})
	if len(got) != 1 {
		t.Fatalf("expected no delivery after cancel, got %v", got)
	}
	// cancelling twice is harmless
	cancel()
}

func TestHubContextCancellation(t *testing.T) {
	hub := watch.NewHub()
	delivered := make(chan struct{}, 8)
	ctx, stop := context.WithCancel(context.Background())
	if _, err := hub.Subscribe(ctx, "o1", func(domain.WorkOrder) {
		delivered <- struct{}{}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.Publish(domain.WorkOrder{ID: "o1"})
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("expected delivery before cancellation")
	}
	stop()
	// the unsubscribe runs in a goroutine; wait for it to take effect
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.Publish(domain.WorkOrder{ID: "o1"})
		select {
		case <-delivered:
			time.Sleep(10 * time.Millisecond)
			continue
		default:
		}
		return
	}
	t.Fatal("subscriber still receiving after context cancel")
}

func TestNotifyHubRoutesByUser(t *testing.T) {
	hub := watch.NewNotifyHub()
	var all, mine []string
	if _, err := hub.Subscribe(context.Background(), "", func(n domain.Notification) {
		all = append(all, n.Type)
	}); err != nil {
		t.Fatalf("subscribe firehose: %v", err)
	}
	cancel, err := hub.Subscribe(context.Background(), "u1", func(n domain.Notification) {
		mine = append(mine, n.Type)
	})
	if err != nil {
		t.Fatalf("subscribe user: %v", err)
	}
	hub.Publish(domain.Notification{Type: "milestone.accepted", UserID: "u1"})
	hub.Publish(domain.Notification{Type: "milestone.stage1_done", UserID: "u2"})
	if len(all) != 2 {
		t.Fatalf("firehose expected both notifications, got %v", all)
	}
	if len(mine) != 1 || mine[0] != "milestone.accepted" {
		t.Fatalf("user subscription expected only its own, got %v", mine)
	}
	cancel()
	hub.Publish(domain.Notification{Type: "milestone.stage2_done", UserID: "u1"})
	if len(mine) != 1 {
		t.Fatalf("expected no delivery after cancel, got %v", mine)
	}
}

func TestPollerDeliversSnapshots(t *testing.T) {
	snapshots := make(chan domain.WorkOrder, 8)
	p := watch.Poller{
		Interval: 10 * time.Millisecond,
		Fetch: func(ctx context.Context, orderID string) (domain.WorkOrder, error) {
			return domain.WorkOrder{ID: orderID, Status: domain.StatusInProgress}, nil
		},
	}
	cancel, err := p.Subscribe(context.Background(), "o1", func(o domain.WorkOrder) {
		select {
		case snapshots <- o:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	select {
	case o := <-snapshots:
		if o.ID != "o1" {
			t.Fatalf("unexpected snapshot %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a polled snapshot")
	}
}

func TestWatcherTick(t *testing.T) {
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
	ctx := context.Background()
	if _, err := eng.InitCompany(ctx, "co-1", "Test Co", "tester"); err != nil {
		t.Fatalf("init company: %v", err)
	}
	o, err := eng.CreateOrder(ctx, engine.OrderCreateOptions{
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
	if _, err := eng.AcceptOrder(ctx, o.ID, "tech-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	hub := watch.NewHub()
	var snapshots []domain.WorkOrder
	if _, err := hub.Subscribe(ctx, o.ID, func(s domain.WorkOrder) {
		snapshots = append(snapshots, s)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	w := watch.Watcher{
		Engine:    eng,
		Dispatch:  dispatch.New(conn, cfg),
		Hub:       hub,
		CompanyID: "co-1",
	}
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// the tick fired the accepted milestone and broadcast a snapshot
	items, err := eng.Repo.ListNotifications(ctx, repo.NotificationFilters{CompanyID: "co-1", OrderID: o.ID})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one milestone notification, got %d", len(items))
	}
	if len(snapshots) != 1 || len(snapshots[0].Milestones) != 1 {
		t.Fatalf("expected snapshot with milestone flag, got %+v", snapshots)
	}
	// a second tick changes nothing
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	items, _ = eng.Repo.ListNotifications(ctx, repo.NotificationFilters{CompanyID: "co-1", OrderID: o.ID})
	if len(items) != 1 {
		t.Fatalf("expected still one notification, got %d", len(items))
	}
}

type stubGateway struct {
	inbound []gateway.InboundMessage
}

func (s *stubGateway) FetchInbound(ctx context.Context, identifier string, sinceCheckpoint int64) ([]gateway.InboundMessage, error) {
	var out []gateway.InboundMessage
	for _, m := range s.inbound {
		if m.Timestamp > sinceCheckpoint {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubGateway) Send(ctx context.Context, identifier, body string) error { return nil }

func TestWatcherTickCapturesRatingAfterCompletion(t *testing.T) {
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
	gw := &stubGateway{}
	eng := engine.New(conn, cfg, gw)
	ctx := context.Background()
	if _, err := eng.InitCompany(ctx, "co-1", "Test Co", "tester"); err != nil {
		t.Fatalf("init company: %v", err)
	}
	o, err := eng.CreateOrder(ctx, engine.OrderCreateOptions{
		CompanyID:    "co-1",
		ClientName:   "Maria Silva",
		Address:      "Rua A 123",
		AssigneeID:   "tech-1",
		Description:  "fridge not cooling",
		ExternalChat: "+5511999",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := eng.AcceptOrder(ctx, o.ID, "tech-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := eng.UpdateStatus(ctx, o.ID, domain.StatusCompleted, "tech-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// the satisfaction reply lands after the order is terminal
	gw.inbound = []gateway.InboundMessage{{ID: "r1", From: "client", Body: "9", Timestamp: time.Now().UnixMilli()}}
	w := watch.Watcher{
		Engine:    eng,
		Dispatch:  dispatch.New(conn, cfg),
		CompanyID: "co-1",
	}
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	ratings, err := eng.Repo.ListRatings(ctx, repo.RatingFilters{CompanyID: "co-1", OrderID: o.ID})
	if err != nil {
		t.Fatalf("list ratings: %v", err)
	}
	if len(ratings) != 1 || ratings[0].Score != 9 {
		t.Fatalf("expected the post-completion score captured, got %+v", ratings)
	}
}
