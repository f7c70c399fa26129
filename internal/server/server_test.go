package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/gateway"
	"fieldline/internal/migrate"
)

const testJWTSecret = "test-secret"

type stubGateway struct {
	inbound  []gateway.InboundMessage
	fetchErr error
}

func (s *stubGateway) FetchInbound(ctx context.Context, identifier string, sinceCheckpoint int64) ([]gateway.InboundMessage, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.inbound, nil
}

func (s *stubGateway) Send(ctx context.Context, identifier, body string) error { return nil }

type testServer struct {
	URL     string
	Engine  engine.Engine
	Gateway *stubGateway
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("co-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw := &stubGateway{}
	e := engine.New(conn, cfg, gw)
	if _, err := e.InitCompany(context.Background(), "co-1", "Test Co", "tester"); err != nil {
		t.Fatalf("init company: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testJWTSecret,
		AllowLegacyActorHeader: true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Gateway: gw,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createOrderHTTP(t *testing.T, srv *testServer, externalChat string) OrderResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/companies/co-1/orders", map[string]any{
		"client_name":   "Maria Silva",
		"address":       "Rua A 123",
		"assignee_id":   "tech-1",
		"description":   "fridge not cooling",
		"external_chat": externalChat,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create order status %d: %s", res.StatusCode, string(data))
	}
	var created OrderResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	return created
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestOrderLifecycleHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createOrderHTTP(t, srv, "")
	if created.Status != domain.StatusPending || created.Code == "" {
		t.Fatalf("unexpected created order %+v", created)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+created.ID+"/status", map[string]any{"status": "in_progress"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set in_progress: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+created.ID+"/status", map[string]any{"status": "completed"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set completed: %d %s", res.StatusCode, string(data))
	}
	// terminal: any further transition conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+created.ID+"/status", map[string]any{"status": "in_progress"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on terminal order, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "state_conflict" {
		t.Fatalf("expected state_conflict code, got %s", code)
	}
}

func TestCreateOrderValidationHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/companies/co-1/orders", map[string]any{
		"address":     "Rua A 123",
		"assignee_id": "tech-1",
		"description": "broken",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("expected bad_request code, got %s", code)
	}
}

func TestStageWriteAndEvaluateHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createOrderHTTP(t, srv, "")

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/orders/"+created.ID+"/stages/1", map[string]any{
		"payload": map[string]any{"data_confirmed": true},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("write stage: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+created.ID+"/evaluate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate: %d %s", res.StatusCode, string(data))
	}
	var fired map[string]int
	_ = json.Unmarshal(data, &fired)
	if fired["fired"] != 1 {
		t.Fatalf("expected one milestone fired, got %v", fired)
	}
	// second evaluation is a no-op
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+created.ID+"/evaluate", nil, nil)
	_ = json.Unmarshal(data, &fired)
	if fired["fired"] != 0 {
		t.Fatalf("expected zero on repeat, got %v", fired)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/companies/co-1/notifications", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notifications: %d %s", res.StatusCode, string(data))
	}
	var items []NotificationResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal notifications: %v", err)
	}
	if len(items) != 1 || items[0].Type != "milestone.stage1_done" {
		t.Fatalf("expected one stage1 notification, got %+v", items)
	}
}

func TestConversationDegradedHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createOrderHTTP(t, srv, "+5511999")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orders/"+created.ID+"/messages", map[string]any{
		"body": "on my way",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send message: %d %s", res.StatusCode, string(data))
	}

	srv.Gateway.fetchErr = gateway.ErrUnavailable
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orders/"+created.ID+"/conversation", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("conversation: %d %s", res.StatusCode, string(data))
	}
	var conv ConversationResponse
	if err := json.Unmarshal(data, &conv); err != nil {
		t.Fatalf("unmarshal conversation: %v", err)
	}
	if !conv.Degraded {
		t.Fatalf("expected degraded conversation")
	}
	if len(conv.Items) != 1 || conv.Items[0].Channel != domain.ChannelInternal {
		t.Fatalf("expected internal-only items, got %+v", conv.Items)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// no credentials at all
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/companies", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health is open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}

	// valid bearer token
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tech-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/companies", nil, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with JWT, got %d %s", res.StatusCode, string(data))
	}

	// garbage bearer token
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/companies", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.StatusCode)
	}

	// API key round trip
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{"actor_id": "tech-1", "name": "ci"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("expected plaintext key at issue time: %v %s", err, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/companies", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d", res.StatusCode)
	}
}

func TestNotFoundHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orders/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found code, got %s", code)
	}
}
