package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

const (
	webhookInterval = 2 * time.Second
	webhookTimeout  = 5 * time.Second
	webhookBatch    = 100
)

// hookRunner pushes company events to one configured webhook URL. Each runner
// owns its cursor and goroutine; delivery stops at the first failed post so
// the target sees events in order.
type hookRunner struct {
	engine  engine.Engine
	company string
	hook    config.WebhookConfig
	client  *http.Client
	types   map[string]struct{}
	cursor  int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil {
		return
	}
	company := strings.TrimSpace(e.Config.Company.ID)
	if company == "" {
		return
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		r := &hookRunner{
			engine:  e,
			company: company,
			hook:    hook,
			client:  &http.Client{Timeout: timeout},
			types:   typeSet(hook.Events),
		}
		go r.run()
	}
}

// typeSet returns nil when every event type should be delivered.
func typeSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (r *hookRunner) wants(evtType string) bool {
	if r.types == nil {
		return true
	}
	_, ok := r.types[evtType]
	return ok
}

func (r *hookRunner) run() {
	ctx := context.Background()
	// deliver only events logged after startup
	cursor, err := r.engine.Repo.LatestEventID(ctx, r.company)
	if err != nil {
		log.Printf("webhook %s: init cursor: %v", r.hook.URL, err)
	}
	r.cursor = cursor
	ticker := time.NewTicker(webhookInterval)
	defer ticker.Stop()
	for {
		r.deliverPending(ctx)
		<-ticker.C
	}
}

func (r *hookRunner) deliverPending(ctx context.Context) {
	events, err := r.engine.Repo.EventsAfter(ctx, webhookBatch, r.cursor, r.company)
	if err != nil {
		log.Printf("webhook %s: fetch events: %v", r.hook.URL, err)
		return
	}
	for _, evt := range events {
		if r.wants(evt.Type) {
			if err := r.post(ctx, evt); err != nil {
				log.Printf("webhook %s: deliver event %d: %v", r.hook.URL, evt.ID, err)
				return
			}
		}
		r.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	CompanyID  string          `json:"company_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (r *hookRunner) post(ctx context.Context, evt domain.Event) error {
	body := webhookEvent{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		CompanyID:  evt.CompanyID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			body.Payload = json.RawMessage(evt.Payload)
		} else {
			body.PayloadRaw = evt.Payload
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldline-Event", evt.Type)
	req.Header.Set("X-Fieldline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Fieldline-Company", r.company)
	if secret := strings.TrimSpace(r.hook.Secret); secret != "" {
		req.Header.Set("X-Fieldline-Secret", secret)
	}
	res, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
