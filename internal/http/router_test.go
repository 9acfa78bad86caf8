package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-queue-registration/internal/config"
	"github.com/tbourn/go-queue-registration/internal/conversation"
	"github.com/tbourn/go-queue-registration/internal/dispatch"
	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/http/middleware"
	"github.com/tbourn/go-queue-registration/internal/repo"
	"github.com/tbourn/go-queue-registration/internal/services"
)

const testToken = "test-token"

type app struct {
	r    *gin.Engine
	db   *gorm.DB
	jobs repo.Jobs
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		APIToken:    testToken,
		RateRPS:     1000,
		RateBurst:   1000,
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newApp(t *testing.T, cfg config.Config, opts ...func(*Deps)) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), "router.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	regs := repo.Registrations{DB: db}
	jobs := repo.Jobs{DB: db}
	keys := repo.Keys{DB: db}
	q := dispatch.NewQueue(jobs, 0, 0)
	regSvc := services.NewRegistrationService(regs, q, keys)

	deps := Deps{
		Registrations: regSvc,
		Outcomes:      &services.OutcomeService{Store: regs},
		Conversation:  conversation.New(regSvc, "", 0),
		Stats:         regs,
		Keys:          keys,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	r := gin.New()
	RegisterRoutes(r, cfg, deps)
	return &app{r: r, db: db, jobs: jobs}
}

func (a *app) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

const submitBody = `{"whatsapp_id":"6281234567890","name":"Noval FTR","nik":"3603192309880004","branch_code":"bintaro","date_requested":"2025-11-01"}`

func TestPublicEndpoints(t *testing.T) {
	a := newApp(t, testConfig())

	for _, p := range []string{"/health", "/api/v1/status"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		w := httptest.NewRecorder()
		a.r.ServeHTTP(w, req)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"API running"`) {
			t.Fatalf("GET %s = %d %s", p, w.Code, w.Body.String())
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "*" || w.Header().Get("X-Request-ID") == "" {
			t.Fatalf("GET %s headers: %v", p, w.Header())
		}
		if w.Header().Get("Cache-Control") != "no-store" {
			t.Fatalf("GET %s should not be cacheable", p)
		}
	}

	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("GET /metrics = %d", w.Code)
	}

	if w := a.do(http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", w.Code)
	}
	if w := a.do(http.MethodPost, "/health", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health = %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/swagger/index.html", ""); w.Code != http.StatusNotFound {
		t.Fatalf("swagger disabled but served: %d", w.Code)
	}
}

func TestBearerTokenGuardsAPI(t *testing.T) {
	a := newApp(t, testConfig())

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/registrations"},
		{http.MethodPost, "/api/v1/queue-registration"},
		{http.MethodPost, "/api/v1/update-result"},
		{http.MethodGet, "/api/v1/registrations/1"},
		{http.MethodPost, "/api/v1/chat/turns"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(submitBody))
		req.Header.Set("Authorization", "Bearer wrong")
		w := httptest.NewRecorder()
		a.r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s = %d", tc.method, tc.path, w.Code)
		}
	}

	var n int64
	a.db.Model(&domain.Registration{}).Count(&n)
	if n != 0 {
		t.Fatalf("rejected requests persisted %d records", n)
	}
}

// countingKeys counts idempotency lookups made by the HTTP layer.
type countingKeys struct {
	KeyLookup
	n atomic.Int32
}

func (k *countingKeys) Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	k.n.Add(1)
	return k.KeyLookup.Get(ctx, scope, key, now)
}

func TestUnauthenticatedRequestSkipsKeyLookup(t *testing.T) {
	keys := &countingKeys{}
	a := newApp(t, testConfig(), func(d *Deps) {
		keys.KeyLookup = d.Keys
		d.Keys = keys
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/registrations", strings.NewReader(submitBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderIdempotencyKey, "abc")
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", w.Code)
	}
	if got := keys.n.Load(); got != 0 {
		t.Fatalf("key lookups before auth = %d; want 0", got)
	}

	if w := a.do(http.MethodPost, "/api/v1/registrations", submitBody, middleware.HeaderIdempotencyKey, "abc"); w.Code != http.StatusCreated {
		t.Fatalf("authenticated submit = %d", w.Code)
	}
	if got := keys.n.Load(); got != 1 {
		t.Fatalf("key lookups after auth = %d; want 1", got)
	}
}

func TestRequesterHeaderDoesNotEscapeIPLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	a := newApp(t, cfg)

	// The unauthenticated budget is per IP whatever requester id is sent.
	var limited bool
	for i := 0; i < 2*gatewayFanout+1; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/registrations/1", nil)
		req.Header.Set(middleware.HeaderRequesterID, fmt.Sprintf("62800%d", i))
		w := httptest.NewRecorder()
		a.r.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("request %d = %d", i, w.Code)
		}
	}
	if !limited {
		t.Fatalf("rotating %s bypassed the IP limiter", middleware.HeaderRequesterID)
	}
}

func TestRegistrationLifecycle(t *testing.T) {
	a := newApp(t, testConfig())

	w := a.do(http.MethodPost, "/api/v1/queue-registration", submitBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit = %d %s", w.Code, w.Body.String())
	}
	created := decode[map[string]any](t, w)
	if created["message"] != "Pendaftaran berhasil diantrikan." {
		t.Fatalf("body=%v", created)
	}
	id := uint(created["registration_id"].(float64))

	if n, _ := a.jobs.Count(context.Background()); n != 1 {
		t.Fatalf("jobs=%d want 1", n)
	}

	rec := decode[domain.Registration](t, a.do(http.MethodGet, fmt.Sprintf("/api/v1/registrations/%d", id), ""))
	if rec.Status != domain.StatusPending || rec.BranchCode != "BINTARO" {
		t.Fatalf("stored=%+v", rec)
	}

	outcome := fmt.Sprintf(`{"registration_id":%d,"status":"success","queue_number":"A-017","notes":"slot booked"}`, id)
	w = a.do(http.MethodPost, "/api/v1/update-result", outcome)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Status pendaftaran berhasil diperbarui.") {
		t.Fatalf("outcome = %d %s", w.Code, w.Body.String())
	}
	if !decode[map[string]any](t, w)["applied"].(bool) {
		t.Fatalf("first outcome not applied")
	}

	// Repeat and conflict are both acknowledged without change.
	w = a.do(http.MethodPost, "/api/v1/registrations/outcome", outcome)
	if w.Code != http.StatusOK || decode[map[string]any](t, w)["applied"].(bool) {
		t.Fatalf("repeat = %d %s", w.Code, w.Body.String())
	}
	conflict := fmt.Sprintf(`{"registration_id":%d,"status":"failed","notes":"late"}`, id)
	if w := a.do(http.MethodPost, "/api/v1/registrations/outcome", conflict); w.Code != http.StatusOK {
		t.Fatalf("conflict = %d", w.Code)
	}

	rec = decode[domain.Registration](t, a.do(http.MethodGet, fmt.Sprintf("/api/v1/registrations/%d", id), ""))
	if rec.Status != domain.StatusSuccess || rec.QueueNumber == nil || *rec.QueueNumber != "A-017" || rec.Notes != "slot booked" {
		t.Fatalf("final=%+v", rec)
	}
}

func TestRegistrationRejections(t *testing.T) {
	a := newApp(t, testConfig())

	w := a.do(http.MethodPost, "/api/v1/registrations", `{"whatsapp_id":"628","nik":"123","branch_code":"","date_requested":"01-11-2025"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid submit = %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	errs, _ := body["errors"].(map[string]any)
	for _, f := range []string{"nik", "branch_code", "date_requested"} {
		if _, ok := errs[f]; !ok {
			t.Fatalf("missing field error %q in %v", f, body)
		}
	}

	if w := a.do(http.MethodPost, "/api/v1/registrations/outcome", `{"registration_id":999,"status":"success"}`); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown id = %d", w.Code)
	}
	if w := a.do(http.MethodPost, "/api/v1/registrations/outcome", `{"registration_id":999,"status":"processing"}`); w.Code != http.StatusUnprocessableEntity || !strings.Contains(w.Body.String(), `"status"`) {
		t.Fatalf("bad status = %d %s", w.Code, w.Body.String())
	}
	if w := a.do(http.MethodGet, "/api/v1/registrations/999", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing record = %d", w.Code)
	}

	var n int64
	a.db.Model(&domain.Registration{}).Count(&n)
	if n != 0 {
		t.Fatalf("invalid input persisted %d records", n)
	}
}

func TestIdempotentSubmit(t *testing.T) {
	a := newApp(t, testConfig())

	first := a.do(http.MethodPost, "/api/v1/registrations", submitBody, middleware.HeaderIdempotencyKey, "wa-628-1")
	second := a.do(http.MethodPost, "/api/v1/registrations", submitBody, middleware.HeaderIdempotencyKey, "wa-628-1")
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("codes %d %d", first.Code, second.Code)
	}
	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay header missing")
	}
	id1 := decode[map[string]any](t, first)["registration_id"]
	id2 := decode[map[string]any](t, second)["registration_id"]
	if id1 != id2 {
		t.Fatalf("ids differ: %v %v", id1, id2)
	}

	var n int64
	a.db.Model(&domain.Registration{}).Count(&n)
	if n != 1 {
		t.Fatalf("records=%d want 1", n)
	}

	if w := a.do(http.MethodPost, "/api/v1/registrations", submitBody, middleware.HeaderIdempotencyKey, "bad key"); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed key = %d", w.Code)
	}
}

func TestChatFlowAndListing(t *testing.T) {
	a := newApp(t, testConfig())
	turn := func(text string) map[string]any {
		w := a.do(http.MethodPost, "/api/v1/chat/turns", fmt.Sprintf(`{"whatsapp_id":"6281234567890","text":%q}`, text))
		if w.Code != http.StatusOK {
			t.Fatalf("turn %q = %d", text, w.Code)
		}
		return decode[map[string]any](t, w)
	}

	turn("DAFTAR")
	if r := turn("Noval FTR|3603192309880004|BINTARO"); r["registration_id"] != nil {
		t.Fatalf("three fields must not register: %v", r)
	}
	r := turn("Noval FTR|3603192309880004|bintaro|2025-11-01")
	if r["registration_id"] == nil {
		t.Fatalf("data turn did not register: %v", r)
	}

	// Reset mid-flow: the data turn then gets the welcome instead.
	turn("daftar")
	if w := a.do(http.MethodDelete, "/api/v1/chat/conversations/6281234567890", ""); w.Code != http.StatusNoContent {
		t.Fatalf("reset = %d", w.Code)
	}
	if r := turn("Noval FTR|3603192309880004|BINTARO|2025-11-02"); r["registration_id"] != nil {
		t.Fatalf("reset conversation still registered: %v", r)
	}

	w := a.do(http.MethodGet, "/api/v1/registrations?whatsapp_id=6281234567890", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	list := decode[map[string]any](t, w)
	if items := list["registrations"].([]any); len(items) != 1 {
		t.Fatalf("items=%v", items)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("no ETag")
	}
	if w := a.do(http.MethodGet, "/api/v1/registrations?whatsapp_id=6281234567890", "", "If-None-Match", etag); w.Code != http.StatusNotModified {
		t.Fatalf("conditional list = %d", w.Code)
	}
}

func TestCORSAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"https://app.example.org"}}
	a := newApp(t, cfg)

	for origin, want := range map[string]string{"https://app.example.org": "https://app.example.org", "http://evil.test": ""} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		a.r.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Fatalf("origin %s: ACAO=%q want %q", origin, got, want)
		}
	}
}

func TestSwaggerRouteWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.SwaggerEnabled = true
	a := newApp(t, cfg)

	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("swagger = %d", w.Code)
	}
}

func TestLimitBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestGroupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s = %d %q", path, w.Code, w.Body.String())
		}
	}
}

func TestKeyLookupNil(t *testing.T) {
	if keyLookup(nil) != nil {
		t.Fatalf("nil store should disable lookup")
	}
}
