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

	"github.com/rs/zerolog"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	if err := e.AssignRole(context.Background(), "carol", "approver", "system"); err != nil {
		t.Fatalf("grant approver: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true, Logger: zerolog.Nop()},
		Logger:   zerolog.Nop(),
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

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func decodeErrorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func seedFlow(t *testing.T, srv *testServer, steps []map[string]any) string {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/templates", map[string]any{
		"name":  "Monthly close",
		"steps": steps,
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tmpl domain.Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		t.Fatalf("decode template: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"template_id": tmpl.ID,
		"name":        "January close",
		"start_date":  "2024-01-01",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	return project.ID
}

func fixedStepJSON(no, days int) map[string]any {
	return map[string]any{
		"step_no":     no,
		"description": "step",
		"assignees":   []string{"alice"},
		"rule":        map[string]any{"kind": "fixed", "days": days},
	}
}

func getProjectDetail(t *testing.T, srv *testServer, projectID string) ProjectDetailResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+projectID, nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d %s", res.StatusCode, string(data))
	}
	var detail ProjectDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("decode project detail: %v", err)
	}
	return detail
}

func TestStepLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	projectID := seedFlow(t, srv, []map[string]any{
		fixedStepJSON(1, 2),
		fixedStepJSON(2, 3),
	})

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/"+projectID+"/tasks/1", map[string]any{
		"status": "done",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete step 1: %d %s", res.StatusCode, string(data))
	}
	var step TaskResponse
	if err := json.Unmarshal(data, &step); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if step.Status != domain.StatusDone {
		t.Fatalf("expected done, got %s", step.Status)
	}

	detail := getProjectDetail(t, srv, projectID)
	if got := detail.Tasks[1].Status; got != domain.StatusPending {
		t.Fatalf("expected step 2 pending after step 1, got %s", got)
	}
	if detail.Tasks[1].PlannedDueDate == nil {
		t.Fatal("step 2 should have a planned due date")
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/projects/"+projectID+"/tasks/2", map[string]any{
		"status": "done",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete step 2: %d %s", res.StatusCode, string(data))
	}

	detail = getProjectDetail(t, srv, projectID)
	if detail.Project.Status != "completed" {
		t.Fatalf("expected completed project, got %s", detail.Project.Status)
	}
	if detail.TaskCounts[domain.StatusDone] != 2 {
		t.Fatalf("expected 2 done tasks, got %v", detail.TaskCounts)
	}
}

func TestDependencyGuardSurfacesAs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	projectID := seedFlow(t, srv, []map[string]any{
		fixedStepJSON(1, 2),
		fixedStepJSON(2, 3),
	})

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/projects/"+projectID+"/tasks/2", map[string]any{
		"status": "done",
	}, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeErrorCode(t, data); code != "dependency-not-met" {
		t.Fatalf("expected dependency-not-met, got %q", code)
	}
}

func TestChecklistGuardCodeOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	step := fixedStepJSON(1, 2)
	step["checklist_required"] = true
	step["checklist_template"] = []string{"reconcile ledger", "file report"}
	projectID := seedFlow(t, srv, []map[string]any{step})

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/projects/"+projectID+"/tasks/1", map[string]any{
		"status": "done",
	}, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeErrorCode(t, data); code != "checklist-incomplete" {
		t.Fatalf("expected checklist-incomplete, got %q", code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestObjectionApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	projectID := seedFlow(t, srv, []map[string]any{fixedStepJSON(1, 2)})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+projectID+"/tasks/1/objections", map[string]any{
		"type":           "date_change",
		"requested_date": "2024-01-10",
		"remarks":        "vendor invoice pending",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("raise objection: %d %s", res.StatusCode, string(data))
	}
	var objection domain.Objection
	if err := json.Unmarshal(data, &objection); err != nil {
		t.Fatalf("decode objection: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/objections/"+objection.ID+"/resolve", map[string]any{
		"decision": "approved",
	}, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-approver, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/objections/"+objection.ID+"/resolve", map[string]any{
		"decision": "approved",
	}, asActor("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve objection: %d %s", res.StatusCode, string(data))
	}
	var resolved domain.Objection
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("decode resolved objection: %v", err)
	}
	if resolved.Status != "approved" {
		t.Fatalf("expected approved, got %s", resolved.Status)
	}

	detail := getProjectDetail(t, srv, projectID)
	if got := detail.Tasks[0].PlannedDueDate; got == nil || *got != "2024-01-10T00:00:00Z" {
		t.Fatalf("expected due date 2024-01-10, got %v", got)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/objections/"+objection.ID+"/resolve", map[string]any{
		"decision": "rejected",
	}, asActor("carol"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double resolve, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "bot",
		"name":     "ci",
	}, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 minting for another actor, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "bot",
		"name":     "ci",
	}, asActor("carol"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode api key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("expected plaintext key in creation response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ActorID != "bot" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "not-a-key"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d %s", res.StatusCode, string(data))
	}
}

func TestTemplateLockConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/templates", map[string]any{
		"name":  "Audit",
		"steps": []map[string]any{fixedStepJSON(1, 2)},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tmpl domain.Template
	_ = json.Unmarshal(data, &tmpl)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"template_id": tmpl.ID,
		"name":        "Audit run",
		"start_date":  "2024-01-01",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/templates/"+tmpl.ID, map[string]any{
		"name":  "Audit v2",
		"steps": []map[string]any{fixedStepJSON(1, 5)},
	}, asActor("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for locked template, got %d %s", res.StatusCode, string(data))
	}
}

func TestMultiLevelTaskForwardOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":       "Collect statements",
		"assigned_to": "alice",
		"due_date":    "2024-01-09",
	}, asActor("boss"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task domain.MultiLevelTask
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/forward", map[string]any{
		"forward_to": "bob",
		"due_date":   "2024-01-11",
		"remarks":    "bob owns this account",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forward task: %d %s", res.StatusCode, string(data))
	}
	var forwarded domain.MultiLevelTask
	if err := json.Unmarshal(data, &forwarded); err != nil {
		t.Fatalf("decode forwarded task: %v", err)
	}
	if forwarded.AssignedTo != "bob" || len(forwarded.ForwardingHistory) != 1 {
		t.Fatalf("unexpected forwarded task: %+v", forwarded)
	}

	// the former owner can no longer act on it
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", map[string]any{}, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for former owner, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", map[string]any{}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete task: %d %s", res.StatusCode, string(data))
	}
	var done domain.MultiLevelTask
	_ = json.Unmarshal(data, &done)
	if done.Status != domain.StatusDone {
		t.Fatalf("expected done, got %s", done.Status)
	}
}

func TestRoleGrantGatedOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/roles", map[string]any{
		"actor_id": "mallory",
		"role_id":  "approver",
	}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for self-grant, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/roles", map[string]any{
		"actor_id": "dave",
		"role_id":  "approver",
	}, asActor("carol"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("approver-administered grant: %d %s", res.StatusCode, string(data))
	}
}

func TestSelfServiceAPIKeyDefaultsToCaller(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"name": "laptop",
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("self-service key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode api key: %v", err)
	}
	if created.ActorID != "alice" {
		t.Fatalf("expected key bound to caller, got %s", created.ActorID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with self-service key: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}
