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

	"plantao/internal/db"
	"plantao/internal/engine"
	"plantao/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	e.Now = func() time.Time { return time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

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

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestScheduleRegistrationConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := map[string]any{"first_shift_date": "2025-01-03"}
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/agents/agent-1/schedule", body, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var sched scheduleDTO
	if err := json.Unmarshal(data, &sched); err != nil {
		t.Fatalf("unmarshal schedule: %v", err)
	}
	if sched.WorkDays != 1 || sched.RestDays != 3 {
		t.Fatalf("expected default 1/3 pattern, got %+v", sched)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/agents/agent-1/schedule", body, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on re-registration, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "schedule_conflict" {
		t.Fatalf("expected schedule_conflict envelope, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agents/agent-1/schedule", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get schedule status %d: %s", res.StatusCode, string(data))
	}
}

func TestRecordCRUDAndFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/collections/tickets/records",
		map[string]any{"status": "open", "title": "first"}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created recordDTO
	if err := json.Unmarshal(data, &created); err != nil || created.ID == "" {
		t.Fatalf("unmarshal created record: %v %s", err, string(data))
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/collections/tickets/records",
		map[string]any{"status": "closed", "title": "second"}, actorHeader)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/collections/tickets/records?filter.status=open", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list struct {
		Items []recordDTO `json:"items"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("expected only the open record, got %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/collections/tickets/records/"+created.ID,
		map[string]any{"status": "closed", "title": "first"}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/collections/tickets/records/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/collections/tickets/records/"+created.ID, nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPut, srv.URL+"/v0/agents/agent-1/schedule",
		map[string]any{"first_shift_date": "2025-01-03"}, actorHeader)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var list struct {
		Items []eventDTO `json:"items"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Type != "schedule.register" {
		t.Fatalf("expected one schedule.register event, got %+v", list.Items)
	}
}
