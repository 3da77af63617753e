package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/labstack/gommon/bytes"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wahub/config"
	"github.com/talkincode/wahub/internal/app"
	"github.com/talkincode/wahub/internal/webserver"
	"github.com/talkincode/wahub/internal/whatsapp"
	"gorm.io/gorm"
)

const testToken = "s3cret"

type stubApp struct {
	cfg *config.AppConfig

	mu  sync.Mutex
	ops []string
}

func (a *stubApp) DB() *gorm.DB                 { return nil }
func (a *stubApp) Config() *config.AppConfig    { return a.cfg }
func (a *stubApp) Scheduler() *cron.Cron        { return nil }
func (a *stubApp) Bus() EventBus.Bus            { return nil }
func (a *stubApp) SystemStats() app.SystemStats { return app.SystemStats{MemUsed: 2048, Goroutines: 7} }
func (a *stubApp) MigrateDB(track bool) error   { return nil }
func (a *stubApp) NextID() int64                { return 1 }

func (a *stubApp) LogOperation(operator, ip, action, desc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, action+":"+desc)
}

func (a *stubApp) operations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ops...)
}

type stubRegistry struct {
	mu        sync.Mutex
	instances map[string]whatsapp.Snapshot
	calls     []string
	sendErr   error
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{instances: make(map[string]whatsapp.Snapshot)}
}

func (r *stubRegistry) record(call string) {
	r.calls = append(r.calls, call)
}

func (r *stubRegistry) Create(ctx context.Context, id, ownerRef string) (whatsapp.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.ContainsAny(id, " /") {
		return whatsapp.Snapshot{}, whatsapp.ErrInvalidID
	}
	if _, ok := r.instances[id]; ok {
		return whatsapp.Snapshot{}, whatsapp.ErrAlreadyExists
	}
	s := whatsapp.Snapshot{ID: id, OwnerRef: ownerRef, Status: whatsapp.StatusCreating, LastUpdate: time.Now()}
	r.instances[id] = s
	r.record("create:" + id)
	return s, nil
}

func (r *stubRegistry) Status(id string) (whatsapp.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.instances[id]
	if !ok {
		return whatsapp.Snapshot{}, whatsapp.ErrNotFound
	}
	return s, nil
}

func (r *stubRegistry) List() []whatsapp.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]whatsapp.Snapshot, 0, len(r.instances))
	for _, s := range r.instances {
		out = append(out, s)
	}
	return out
}

func (r *stubRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return whatsapp.ErrNotFound
	}
	delete(r.instances, id)
	r.record("delete:" + id)
	return nil
}

func (r *stubRegistry) MarkIntentionalDisconnect(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return whatsapp.ErrNotFound
	}
	r.record("mark:" + id)
	return nil
}

func (r *stubRegistry) Disconnect(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return whatsapp.ErrNotFound
	}
	r.record("close:" + id)
	return nil
}

func (r *stubRegistry) Send(ctx context.Context, id, to, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return "", whatsapp.ErrNotFound
	}
	if r.sendErr != nil {
		return "", r.sendErr
	}
	r.record("send:" + id + ":" + to)
	return "MSG-1", nil
}

func (r *stubRegistry) Stats() whatsapp.ConnectionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return whatsapp.ConnectionStats{Total: len(r.instances), ByStatus: map[whatsapp.Status]int{whatsapp.StatusCreating: len(r.instances)}}
}

func (r *stubRegistry) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type stubHooks struct{}

func (stubHooks) Stats() whatsapp.DispatcherStats { return whatsapp.DispatcherStats{Delivered: 4} }

type apiFixture struct {
	handler http.Handler
	app     *stubApp
	reg     *stubRegistry
}

func newFixture(t *testing.T, withBackend bool) *apiFixture {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.Web.ApiToken = testToken
	f := &apiFixture{app: &stubApp{cfg: cfg}, reg: newStubRegistry()}

	orig := backend
	t.Cleanup(func() { backend = orig })
	backend = func() (instanceRegistry, webhookStats) {
		if !withBackend {
			return nil, nil
		}
		return f.reg, stubHooks{}
	}

	srv := webserver.Init(f.app)
	Init()
	f.handler = srv.Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string) (int, Response) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, resp
}

func dataMap(t *testing.T, resp Response) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data is %T, want object", resp.Data)
	}
	return m
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, true)
	code, resp := f.do(t, http.MethodGet, "/health", "", "")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("health = %d %+v", code, resp)
	}
	data := dataMap(t, resp)
	if data["status"] != "ok" || data["initialized"] != true {
		t.Errorf("health data = %v", data)
	}
	sys, _ := data["system"].(map[string]interface{})
	if sys["memUsed"] != bytes.Format(2048) {
		t.Errorf("memUsed = %v", sys["memUsed"])
	}
}

func TestApiRequiresToken(t *testing.T) {
	f := newFixture(t, true)

	code, resp := f.do(t, http.MethodGet, "/api/v1/instances", "", "")
	if code == http.StatusOK || resp.Success {
		t.Errorf("missing token accepted: %d", code)
	}

	code, resp = f.do(t, http.MethodGet, "/api/v1/instances", "wrong", "")
	if code != http.StatusUnauthorized || resp.Code != "UNAUTHORIZED" {
		t.Errorf("wrong token = %d %+v", code, resp)
	}

	code, _ = f.do(t, http.MethodGet, "/api/v1/instances", testToken, "")
	if code != http.StatusOK {
		t.Errorf("valid token = %d", code)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	f := newFixture(t, true)

	code, resp := f.do(t, http.MethodPost, "/api/v1/instances", testToken, `{"instanceId":"sales","ownerRef":"acme"}`)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("create = %d %+v", code, resp)
	}
	if data := dataMap(t, resp); data["instanceId"] != "sales" || data["ownerRef"] != "acme" {
		t.Errorf("create data = %v", data)
	}

	code, resp = f.do(t, http.MethodPost, "/api/v1/instances", testToken, `{"instanceId":"sales"}`)
	if code != http.StatusConflict || resp.Code != "ALREADY_EXISTS" {
		t.Errorf("duplicate = %d %+v", code, resp)
	}

	code, resp = f.do(t, http.MethodPost, "/api/v1/instances", testToken, `{"instanceId":"bad id"}`)
	if code != http.StatusBadRequest || resp.Code != "INVALID_ID" {
		t.Errorf("invalid id = %d %+v", code, resp)
	}

	code, resp = f.do(t, http.MethodPost, "/api/v1/instances", testToken, `{"ownerRef":"x"}`)
	if code != http.StatusBadRequest || resp.Code != "MISSING_FIELDS" {
		t.Errorf("missing id = %d %+v", code, resp)
	}

	code, resp = f.do(t, http.MethodGet, "/api/v1/instances/sales", testToken, "")
	if code != http.StatusOK || dataMap(t, resp)["status"] != string(whatsapp.StatusCreating) {
		t.Errorf("get = %d %+v", code, resp)
	}

	code, resp = f.do(t, http.MethodGet, "/api/v1/instances/sales/qr", testToken, "")
	if code != http.StatusOK || dataMap(t, resp)["hasQr"] != false {
		t.Errorf("qr = %d %+v", code, resp)
	}

	code, _ = f.do(t, http.MethodPost, "/api/v1/instances/sales/disconnect", testToken, "")
	if code != http.StatusOK {
		t.Errorf("disconnect = %d", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/v1/instances/sales/disconnect?close=true", testToken, "")
	if code != http.StatusOK {
		t.Errorf("disconnect close = %d", code)
	}

	code, _ = f.do(t, http.MethodDelete, "/api/v1/instances/sales", testToken, "")
	if code != http.StatusOK {
		t.Errorf("delete = %d", code)
	}
	code, resp = f.do(t, http.MethodDelete, "/api/v1/instances/sales", testToken, "")
	if code != http.StatusNotFound || resp.Code != "INSTANCE_NOT_FOUND" {
		t.Errorf("second delete = %d %+v", code, resp)
	}

	wantCalls := []string{"create:sales", "mark:sales", "close:sales", "delete:sales"}
	if got := f.reg.history(); strings.Join(got, ",") != strings.Join(wantCalls, ",") {
		t.Errorf("calls = %v, want %v", got, wantCalls)
	}
	wantOps := []string{"instance.create:sales", "instance.disconnect:sales", "instance.disconnect:sales", "instance.delete:sales"}
	if got := f.app.operations(); strings.Join(got, ",") != strings.Join(wantOps, ",") {
		t.Errorf("operations = %v, want %v", got, wantOps)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodPost, "/api/v1/instances", testToken, `{"instanceId":"sales"}`)

	code, resp := f.do(t, http.MethodPost, "/api/v1/send", testToken, `{"instanceId":"sales","phone":"5511999990000","message":"hi"}`)
	if code != http.StatusOK || dataMap(t, resp)["messageId"] != "MSG-1" {
		t.Errorf("send = %d %+v", code, resp)
	}

	code, resp = f.do(t, http.MethodPost, "/api/v1/send", testToken, `{"instanceId":"sales","phone":"5511999990000"}`)
	if code != http.StatusBadRequest || resp.Code != "MISSING_FIELDS" {
		t.Errorf("missing message = %d %+v", code, resp)
	}

	code, resp = f.do(t, http.MethodPost, "/api/v1/send", testToken, `{not json`)
	if code != http.StatusBadRequest {
		t.Errorf("malformed = %d %+v", code, resp)
	}

	f.reg.sendErr = whatsapp.ErrNotConnected
	code, resp = f.do(t, http.MethodPost, "/api/v1/send", testToken, `{"instanceId":"sales","phone":"5511999990000","message":"hi"}`)
	if code != http.StatusConflict || resp.Code != "NOT_CONNECTED" {
		t.Errorf("not connected = %d %+v", code, resp)
	}

	f.reg.sendErr = &whatsapp.TransportError{InstanceID: "sales", Op: "send", Err: context.DeadlineExceeded}
	code, resp = f.do(t, http.MethodPost, "/api/v1/send", testToken, `{"instanceId":"sales","phone":"5511999990000","message":"hi"}`)
	if code != http.StatusInternalServerError || resp.Code != "INTERNAL_ERROR" {
		t.Errorf("transport failure = %d %+v", code, resp)
	}
}

func TestStatusReportsStats(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodPost, "/api/v1/instances", testToken, `{"instanceId":"a"}`)

	code, resp := f.do(t, http.MethodGet, "/api/v1/status", testToken, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	data := dataMap(t, resp)
	conns, _ := data["connections"].(map[string]interface{})
	if conns["total"] != float64(1) {
		t.Errorf("connections = %v", conns)
	}
	hooks, _ := data["webhook"].(map[string]interface{})
	if hooks["delivered"] != float64(4) {
		t.Errorf("webhook = %v", hooks)
	}
}

func TestServiceNotInitialized(t *testing.T) {
	f := newFixture(t, false)
	code, resp := f.do(t, http.MethodGet, "/api/v1/instances", testToken, "")
	if code != http.StatusServiceUnavailable || resp.Code != "WA_NOT_INITIALIZED" {
		t.Errorf("instances = %d %+v", code, resp)
	}
	code, resp = f.do(t, http.MethodGet, "/health", "", "")
	if code != http.StatusOK || dataMap(t, resp)["initialized"] != false {
		t.Errorf("health = %d %+v", code, resp)
	}
}
