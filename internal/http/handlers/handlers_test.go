package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/deepdive-relay/internal/config"
	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/http/middleware"
	"github.com/tbourn/deepdive-relay/internal/repo"
	"github.com/tbourn/deepdive-relay/internal/services"
	"github.com/tbourn/deepdive-relay/internal/upstream"
)

const testGuestToken = "handler-guest-token-0123456789"

// ---------- test DB + fakes ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeUpstream struct {
	mu        sync.Mutex
	turns     int
	lookups   int
	streamErr error
	stream    string
}

func (f *fakeUpstream) StreamTurn(_ context.Context, req upstream.TurnRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.stream != "" {
		return io.NopCloser(strings.NewReader(f.stream)), nil
	}
	next := fmt.Sprintf("question %d", req.TurnCount+1)
	body := "data: {\"type\":\"progress\",\"stage\":\"thinking\"}\n\n" +
		fmt.Sprintf("data: {\"type\":\"complete\",\"next_prompt\":%q,\"scores\":{\"motivation\":40,\"fit\":40,\"specificity\":40,\"consistency\":40}}\n\n", next)
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeUpstream) LookupCompany(context.Context, upstream.LookupRequest) (upstream.LookupResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return upstream.LookupResponse(`{"name":"Acme","registry":"123"}`), nil
}

type env struct {
	db       *gorm.DB
	up       *fakeUpstream
	ledger   *services.LedgerService
	identity *services.IdentityService
	router   *gin.Engine
}

func newEnv(t *testing.T, b config.BillingConfig) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlerDB(t)
	up := &fakeUpstream{}
	store := services.NewGormStore(db)
	ledger := services.NewLedgerService(db, b.MonthlyAllocation, 5, 3)
	ident, err := services.NewIdentityService(db, store, "handler-secret", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewIdentityService: %v", err)
	}
	conv := services.NewConversationService(store, &services.SQLCommitter{DB: db, Ledger: ledger}, ledger, up,
		config.Policies{Default: b}, time.Second, time.Minute)
	company := &services.CompanyService{Ledger: ledger, Upstream: up, Cost: 2}

	h := New(conv, ledger, ident, company)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(middleware.RedactOptions{}), middleware.Recovery())
	api := r.Group("/api/v1")
	api.Use(
		middleware.Identity(ident),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
			func(ctx context.Context, id domain.Identity, key string) (bool, error) {
				if !id.IsAccount() {
					return false, nil
				}
				return ledger.Charged(ctx, id.AccountID, domain.ReasonCompanyLookup+":"+key)
			}),
	)
	api.POST("/deep-dives/:subjectId/turns", h.SubmitDeepDiveTurn)
	api.POST("/reviews/:subjectId/turns", h.SubmitReviewTurn)
	api.GET("/deep-dives/:subjectId", h.GetDeepDive)
	api.GET("/reviews/:subjectId", h.GetReview)
	api.GET("/balance", h.GetBalance)
	api.GET("/balance/entries", h.ListEntries)
	api.POST("/guest/migrate", h.MigrateGuest)
	api.POST("/companies/lookup", h.LookupCompany)

	return &env{db: db, up: up, ledger: ledger, identity: ident, router: r}
}

func billing() config.BillingConfig {
	return config.BillingConfig{
		ChargeEvery:       5,
		ChargeCost:        1,
		MonthlyAllocation: 30,
		ScoreThreshold:    80,
		MinTurns:          5,
		MaxTurnRunes:      2000,
	}
}

type reqOpt func(*http.Request)

func asGuest(r *http.Request) { r.Header.Set(middleware.HeaderGuestToken, testGuestToken) }

func (e *env) asAccount(t *testing.T, accountID string) reqOpt {
	t.Helper()
	tok, err := e.identity.IssueSession(accountID, time.Hour)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func withHeader(k, v string) reqOpt { return func(r *http.Request) { r.Header.Set(k, v) } }

func (e *env) do(method, path, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v (body=%s)", err, w.Body.String())
	}
	return v
}

// ---------- turns ----------

func TestSubmitTurn_GuestStreamsFramesAndPersists(t *testing.T) {
	e := newEnv(t, billing())

	w := e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", `{"message":"I like payments"}`, asGuest)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"type":"progress"`) || !strings.Contains(body, `"type":"complete"`) {
		t.Fatalf("unexpected stream: %q", body)
	}
	if strings.Count(body, `"type":"complete"`) != 1 || strings.Contains(body, `"type":"error"`) {
		t.Fatalf("expected exactly one terminal frame: %q", body)
	}
	if !strings.Contains(body, `"turn_count":1`) {
		t.Fatalf("complete frame lacks turn_count: %q", body)
	}

	w = e.do(http.MethodGet, "/api/v1/deep-dives/acme", "", asGuest)
	if w.Code != http.StatusOK {
		t.Fatalf("get status=%d body=%s", w.Code, w.Body.String())
	}
	got := decode[map[string]any](t, w)
	if got["turn_count"] != float64(1) || got["status"] != domain.StatusInProgress || got["next_prompt"] != "question 2" {
		t.Fatalf("unexpected conversation: %v", got)
	}
	if _, has := got["charges"]; has {
		t.Fatalf("guest response must not carry charges: %v", got)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	w = e.do(http.MethodGet, "/api/v1/deep-dives/acme", "", asGuest, withHeader("If-None-Match", etag))
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	// kinds are separate conversations
	if w := e.do(http.MethodGet, "/api/v1/reviews/acme", "", asGuest); w.Code != http.StatusNotFound {
		t.Fatalf("review status=%d", w.Code)
	}
}

func TestSubmitTurn_AccountChargedOnChargingTurn(t *testing.T) {
	b := billing()
	b.ChargeEvery = 1
	e := newEnv(t, b)
	acct := e.asAccount(t, "a1")

	w := e.do(http.MethodPost, "/api/v1/reviews/doc-1/turns", `{"message":"first answer"}`, acct)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"type":"complete"`) {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	bal := decode[services.BalanceView](t, e.do(http.MethodGet, "/api/v1/balance", "", acct))
	if bal.Balance != 29 || bal.Consumed != 1 || bal.MonthlyAllocation != 30 {
		t.Fatalf("unexpected balance: %+v", bal)
	}

	got := decode[map[string]any](t, e.do(http.MethodGet, "/api/v1/reviews/doc-1", "", acct))
	if got["charges"] != float64(1) {
		t.Fatalf("expected one charge, got %v", got["charges"])
	}

	entries := decode[ListEntriesResponse](t, e.do(http.MethodGet, "/api/v1/balance/entries?page=1&page_size=500", "", acct))
	if len(entries.Entries) != 1 || entries.Pagination.PageSize != 100 || entries.Pagination.Total != 1 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if ref := entries.Entries[0].ReferenceID; !strings.HasPrefix(ref, string(domain.KindDocumentReview)+":") {
		t.Fatalf("unexpected reference %q", ref)
	}
}

func TestSubmitTurn_RefusalsUseJSONEnvelope(t *testing.T) {
	b := billing()
	b.ChargeEvery = 1
	b.MonthlyAllocation = 0
	e := newEnv(t, b)
	acct := e.asAccount(t, "broke")

	cases := []struct {
		name   string
		body   string
		opts   []reqOpt
		status int
		code   string
	}{
		{"no identity", `{"message":"hi"}`, nil, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"bad json", `{"message":`, []reqOpt{asGuest}, http.StatusBadRequest, ErrCodeBadRequest},
		{"blank message", `{"message":"   "}`, []reqOpt{asGuest}, http.StatusBadRequest, ErrCodeBadRequest},
		{"too long", `{"message":"` + strings.Repeat("x", 2001) + `"}`, []reqOpt{asGuest}, http.StatusBadRequest, ErrCodeBadRequest},
		{"insufficient balance", `{"message":"hi"}`, []reqOpt{acct}, http.StatusPaymentRequired, ErrCodeInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", tc.body, tc.opts...)
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.status, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Fatalf("content-type=%q", ct)
			}
			if got := decode[ErrorResponse](t, w); got.Code != tc.code || got.RequestID == "" {
				t.Fatalf("unexpected envelope: %+v", got)
			}
		})
	}
	if e.up.turns != 0 {
		t.Fatalf("upstream called %d times for refused turns", e.up.turns)
	}
}

func TestSubmitTurn_UpstreamFailuresBeforeStream(t *testing.T) {
	e := newEnv(t, billing())

	e.up.streamErr = &upstream.StatusError{Code: http.StatusBadGateway, Body: "down"}
	w := e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", `{"message":"hi"}`, asGuest)
	if w.Code != http.StatusServiceUnavailable || decode[ErrorResponse](t, w).Code != ErrCodeUpstreamUnavailable {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	e.up.streamErr = fmt.Errorf("dial: %w", context.DeadlineExceeded)
	w = e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", `{"message":"hi"}`, asGuest)
	if w.Code != http.StatusGatewayTimeout || decode[ErrorResponse](t, w).Code != ErrCodeUpstreamTimeout {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	// claim released, nothing persisted
	e.up.streamErr = nil
	w = e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", `{"message":"hi"}`, asGuest)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"turn_count":1`) {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestSubmitTurn_UpstreamErrorFrameInStream(t *testing.T) {
	e := newEnv(t, billing())
	e.up.stream = "data: {\"type\":\"progress\"}\n\ndata: {\"type\":\"error\",\"code\":\"model_overloaded\",\"message\":\"try later\"}\n\n"

	w := e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", `{"message":"hi"}`, asGuest)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, `"type":"error"`) || strings.Contains(body, `"type":"complete"`) {
		t.Fatalf("unexpected stream: %q", body)
	}
	if w := e.do(http.MethodGet, "/api/v1/deep-dives/acme", "", asGuest); decode[map[string]any](t, w)["turn_count"] != float64(0) {
		t.Fatalf("failed turn must not advance the counter: %s", w.Body.String())
	}
}

func TestSubmitTurn_CompletedConversationRejected(t *testing.T) {
	b := billing()
	b.MinTurns = 1
	e := newEnv(t, b)
	e.up.stream = "data: {\"type\":\"complete\",\"scores\":{\"motivation\":90,\"fit\":90,\"specificity\":90,\"consistency\":90}}\n\n"

	w := e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", `{"message":"hi"}`, asGuest)
	if !strings.Contains(w.Body.String(), `"completed":true`) {
		t.Fatalf("expected completion: %s", w.Body.String())
	}
	w = e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", `{"message":"again"}`, asGuest)
	if w.Code != http.StatusBadRequest || decode[ErrorResponse](t, w).Code != ErrCodeConversationCompleted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

// ---------- balance ----------

func TestBalance_GuestsForbidden(t *testing.T) {
	e := newEnv(t, billing())
	for _, p := range []string{"/api/v1/balance", "/api/v1/balance/entries"} {
		w := e.do(http.MethodGet, p, "", asGuest)
		if w.Code != http.StatusForbidden || decode[ErrorResponse](t, w).Code != ErrCodeForbidden {
			t.Fatalf("%s status=%d body=%s", p, w.Code, w.Body.String())
		}
	}
}

func TestListEntries_EmptyIsArray(t *testing.T) {
	e := newEnv(t, billing())
	w := e.do(http.MethodGet, "/api/v1/balance/entries", "", e.asAccount(t, "fresh"))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"entries":[]`) {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

// ---------- guests ----------

func TestMigrateGuest(t *testing.T) {
	e := newEnv(t, billing())
	acct := e.asAccount(t, "a1")

	if w := e.do(http.MethodPost, "/api/v1/deep-dives/acme/turns", `{"message":"hi"}`, asGuest); w.Code != http.StatusOK {
		t.Fatalf("guest turn status=%d", w.Code)
	}

	if w := e.do(http.MethodPost, "/api/v1/guest/migrate", "", acct); w.Code != http.StatusBadRequest {
		t.Fatalf("missing token status=%d", w.Code)
	}
	if w := e.do(http.MethodPost, "/api/v1/guest/migrate", "", asGuest); w.Code != http.StatusForbidden {
		t.Fatalf("guest-only status=%d", w.Code)
	}

	w := e.do(http.MethodPost, "/api/v1/guest/migrate", "", acct, asGuest)
	if w.Code != http.StatusOK || decode[MigrateGuestResponse](t, w).Migrated != 1 {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodGet, "/api/v1/deep-dives/acme", "", acct); w.Code != http.StatusOK {
		t.Fatalf("account cannot see migrated conversation: %d", w.Code)
	}

	w = e.do(http.MethodPost, "/api/v1/guest/migrate", "", acct, asGuest)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second migration status=%d", w.Code)
	}
}

// ---------- companies ----------

func TestLookupCompany_ChargedOncePerIdempotencyKey(t *testing.T) {
	e := newEnv(t, billing())
	acct := e.asAccount(t, "a1")
	key := withHeader(middleware.HeaderIdempotencyKey, "lookup-1")

	w := e.do(http.MethodPost, "/api/v1/companies/lookup", `{"query":"Acme"}`, acct, key)
	if w.Code != http.StatusOK || decode[map[string]any](t, w)["name"] != "Acme" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("first call marked as replay")
	}

	w = e.do(http.MethodPost, "/api/v1/companies/lookup", `{"query":"Acme"}`, acct, key)
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay status=%d headers=%v", w.Code, w.Header())
	}

	bal := decode[services.BalanceView](t, e.do(http.MethodGet, "/api/v1/balance", "", acct))
	if bal.Balance != 28 {
		t.Fatalf("balance=%d, want 28", bal.Balance)
	}
}

func TestLookupCompany_GuestCapAndValidation(t *testing.T) {
	e := newEnv(t, billing())

	if w := e.do(http.MethodPost, "/api/v1/companies/lookup", `{"query":"  "}`, asGuest); w.Code != http.StatusBadRequest {
		t.Fatalf("blank query status=%d", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := e.do(http.MethodPost, "/api/v1/companies/lookup", `{"query":"Acme"}`, asGuest); w.Code != http.StatusOK {
			t.Fatalf("lookup %d status=%d", i, w.Code)
		}
	}
	w := e.do(http.MethodPost, "/api/v1/companies/lookup", `{"query":"Acme"}`, asGuest)
	if w.Code != http.StatusPaymentRequired || decode[ErrorResponse](t, w).Code != ErrCodeGuestCapReached {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if e.up.lookups != 3 {
		t.Fatalf("upstream lookups=%d, want 3", e.up.lookups)
	}
}

// ---------- error mapping ----------

func TestServiceError_Mapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrUnauthenticated, http.StatusUnauthorized, ErrCodeUnauthorized},
		{services.ErrInsufficientBalance, http.StatusPaymentRequired, ErrCodeInsufficientBalance},
		{services.ErrGuestCapReached, http.StatusPaymentRequired, ErrCodeGuestCapReached},
		{services.ErrConversationCompleted, http.StatusBadRequest, ErrCodeConversationCompleted},
		{services.ErrEmptyTurn, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrTurnTooLong, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrUnknownKind, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrConversationBusy, http.StatusConflict, ErrCodeConversationBusy},
		{services.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("%w: %w", services.ErrUpstreamUnavailable, errors.New("refused")), http.StatusServiceUnavailable, ErrCodeUpstreamUnavailable},
		{fmt.Errorf("%w: %w", services.ErrUpstreamTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout, ErrCodeUpstreamTimeout},
		{services.ErrCommitFailure, http.StatusInternalServerError, ErrCodeInternal},
		{errors.New("disk full"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		status, code, msg := serviceError(tc.err)
		if status != tc.status || code != tc.code || msg == "" {
			t.Fatalf("serviceError(%v) = %d %s %q", tc.err, status, code, msg)
		}
	}
	if _, _, msg := serviceError(errors.New("secret detail")); strings.Contains(msg, "secret") {
		t.Fatalf("internal cause leaked: %q", msg)
	}
}
