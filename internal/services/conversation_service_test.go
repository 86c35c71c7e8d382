package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/deepdive-relay/internal/config"
	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/relay"
	"github.com/tbourn/deepdive-relay/internal/repo"
	"github.com/tbourn/deepdive-relay/internal/upstream"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
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
	// one connection keeps the shared in-memory database alive and avoids
	// table-level locking between pooled connections
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testBilling() config.BillingConfig {
	return config.BillingConfig{
		ChargeEvery:       5,
		ChargeCost:        1,
		MonthlyAllocation: 30,
		ScoreThreshold:    80,
		MinTurns:          5,
		MaxTurnRunes:      2000,
	}
}

// fakeStreamer answers every turn with reply(req).
type fakeStreamer struct {
	mu    sync.Mutex
	calls []upstream.TurnRequest
	reply func(req upstream.TurnRequest) (io.ReadCloser, error)
}

func (f *fakeStreamer) StreamTurn(_ context.Context, req upstream.TurnRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.reply(req)
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func completeStream(nextPrompt string, score int) string {
	return fmt.Sprintf("data: {\"type\":\"progress\",\"stage\":\"thinking\"}\n\n"+
		"data: {\"type\":\"complete\",\"next_prompt\":%q,\"scores\":{\"motivation\":%d,\"fit\":%d,\"specificity\":%d,\"consistency\":%d}}\n\n",
		nextPrompt, score, score, score, score)
}

func streamOf(s string) func(upstream.TurnRequest) (io.ReadCloser, error) {
	return func(upstream.TurnRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

// errBody yields data and then fails with err.
type errBody struct {
	r   io.Reader
	err error
}

func (b *errBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, b.err
	}
	return n, err
}

func (b *errBody) Close() error { return nil }

type sinkRecorder struct {
	mu       sync.Mutex
	frames   [][]byte
	terminal []byte
}

func (s *sinkRecorder) Send(f []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *sinkRecorder) SendTerminal(f []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = f
}

func newConvService(db *gorm.DB, up TurnStreamer, b config.BillingConfig) *ConversationService {
	ledger := NewLedgerService(db, b.MonthlyAllocation, 5, 3)
	store := NewGormStore(db)
	return NewConversationService(store, &SQLCommitter{DB: db, Ledger: ledger}, ledger, up,
		config.Policies{Default: b}, 2*time.Second, time.Minute)
}

func submit(t *testing.T, s *ConversationService, id domain.Identity, text string) (relay.Result, *sinkRecorder) {
	t.Helper()
	p, err := s.Begin(context.Background(), id, domain.KindDeepDive, "acme", text)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sink := &sinkRecorder{}
	return p.Relay(context.Background(), sink), sink
}

// seedConversation stores a conversation for id that already has n turns.
func seedConversation(t *testing.T, db *gorm.DB, id domain.Identity, n int) *domain.Conversation {
	t.Helper()
	ctx := context.Background()
	c, err := repo.CreateConversation(ctx, db, string(domain.KindDeepDive), "acme", id)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if err := db.Model(c).Update("turn_count", n).Error; err != nil {
		t.Fatalf("seed turn count: %v", err)
	}
	c.TurnCount = n
	return c
}

func mustConversation(t *testing.T, db *gorm.DB, id string) *domain.Conversation {
	t.Helper()
	c, err := repo.GetConversation(context.Background(), db, id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	return c
}

func mustBalance(t *testing.T, db *gorm.DB, accountID string) int {
	t.Helper()
	b, err := repo.GetBalance(context.Background(), db, accountID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b.Balance
}

func seedBalance(t *testing.T, db *gorm.DB, accountID string, balance int) {
	t.Helper()
	ctx := context.Background()
	if err := repo.EnsureBalance(ctx, db, accountID, 30, time.Now().AddDate(0, 1, 0)); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	if err := db.Model(&domain.Balance{}).Where("account_id = ?", accountID).Update("balance", balance).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

// ---------- Begin validation ----------

func TestBegin_RejectsInvalidInput(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("q", 10))}
	b := testBilling()
	b.MaxTurnRunes = 5
	s := newConvService(db, up, b)
	ctx := context.Background()
	acct := domain.AccountIdentity("a1")

	cases := []struct {
		name string
		id   domain.Identity
		kind domain.ConversationKind
		text string
		want error
	}{
		{"empty", acct, domain.KindDeepDive, "   ", ErrEmptyTurn},
		{"too long", acct, domain.KindDeepDive, "abcdef", ErrTurnTooLong},
		{"unknown kind", acct, "smalltalk", "hi", ErrUnknownKind},
		{"no identity", domain.Identity{}, domain.KindDeepDive, "hi", ErrUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Begin(ctx, tc.id, tc.kind, "acme", tc.text)
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
	if up.callCount() != 0 {
		t.Fatalf("upstream must not be called for invalid input")
	}
}

// ---------- happy path ----------

func TestSubmit_CommitsTurnAndEmitsSnapshot(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("Why acme?", 40))}
	s := newConvService(db, up, testBilling())
	acct := domain.AccountIdentity("a1")

	// decomposed e + combining acute is stored composed
	res, sink := submit(t, s, acct, "  Cafe\u0301 lover ")
	if res.Outcome != relay.Committed {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}

	if len(up.calls) != 1 || up.calls[0].TurnCount != 1 || up.calls[0].Message != "Caf\u00e9 lover" {
		t.Fatalf("unexpected upstream request: %+v", up.calls)
	}

	conv, err := s.Get(context.Background(), acct, domain.KindDeepDive, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.TurnCount != 1 || conv.Status != domain.StatusInProgress {
		t.Fatalf("unexpected state: count=%d status=%s", conv.TurnCount, conv.Status)
	}
	turns := []domain.Turn(conv.Turns)
	if len(turns) != 2 || turns[0].Role != domain.RoleResponder || turns[1].Text != "Why acme?" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	if conv.Scores.Data().Fit != 40 {
		t.Fatalf("scores not replaced: %+v", conv.Scores.Data())
	}
	if conv.ClaimToken != nil {
		t.Fatalf("claim must be dropped after commit")
	}

	if len(sink.frames) != 1 || !bytes.Contains(sink.frames[0], []byte(`"progress"`)) {
		t.Fatalf("progress not forwarded: %q", sink.frames)
	}
	if !bytes.Contains(sink.terminal, []byte(`"turn_count":1`)) || !bytes.Contains(sink.terminal, []byte(`"completed":false`)) {
		t.Fatalf("unexpected terminal frame: %s", sink.terminal)
	}

	// the balance row is never touched on a non-charging turn
	if _, err := repo.GetBalance(context.Background(), db, "a1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no balance row, got %v", err)
	}
}

func TestSubmit_MissingScoresKeepPreviousSnapshot(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("first", 55))}
	s := newConvService(db, up, testBilling())
	acct := domain.AccountIdentity("a1")

	submit(t, s, acct, "one")
	up.reply = streamOf("data: {\"type\":\"complete\",\"next_prompt\":\"second\"}\n\n")
	res, _ := submit(t, s, acct, "two")
	if res.Outcome != relay.Committed {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if res.Snapshot.Scores.Motivation != 55 || res.Snapshot.TurnCount != 2 {
		t.Fatalf("unexpected snapshot: %+v", res.Snapshot)
	}
	if up.calls[1].Scores.Motivation != 55 || len(up.calls[1].Turns) != 2 {
		t.Fatalf("upstream must receive persisted history and scores: %+v", up.calls[1])
	}
}

// ---------- billing ----------

func TestSubmit_ChargesOncePerCadence(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("next", 10))}
	s := newConvService(db, up, testBilling())
	acct := domain.AccountIdentity("a1")

	for i := 1; i <= 11; i++ {
		if res, _ := submit(t, s, acct, fmt.Sprintf("answer %d", i)); res.Outcome != relay.Committed {
			t.Fatalf("turn %d outcome = %v (%v)", i, res.Outcome, res.Err)
		}
	}

	conv, _ := s.Get(context.Background(), acct, domain.KindDeepDive, "acme")
	prefix := string(domain.KindDeepDive) + ":" + conv.ID + ":"
	n, err := repo.CountLedgerEntriesWithPrefix(context.Background(), db, "a1", prefix)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if want := int64(conv.TurnCount / 5); n != want {
		t.Fatalf("ledger entries = %d, want floor(%d/5) = %d", n, conv.TurnCount, want)
	}
	for _, turn := range []int{5, 10} {
		if _, err := repo.GetLedgerEntry(context.Background(), db, "a1", ReferenceID(string(domain.KindDeepDive), conv.ID, turn)); err != nil {
			t.Fatalf("missing entry for turn %d: %v", turn, err)
		}
	}
	if got := mustBalance(t, db, "a1"); got != 28 {
		t.Fatalf("balance = %d, want 28", got)
	}
}

func TestSubmit_PreflightInsufficientBalance(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("next", 10))}
	s := newConvService(db, up, testBilling())
	acct := domain.AccountIdentity("a1")
	conv := seedConversation(t, db, acct, 4)
	seedBalance(t, db, "a1", 0)

	_, err := s.Begin(context.Background(), acct, domain.KindDeepDive, "acme", "fifth")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
	if up.callCount() != 0 {
		t.Fatalf("no upstream call may happen for an unaffordable turn")
	}
	if got := mustConversation(t, db, conv.ID); got.ClaimToken != nil || got.TurnCount != 4 {
		t.Fatalf("claim must be released and state unchanged: %+v", got)
	}
}

// Scenario B: the charging turn times out upstream.
func TestSubmit_TimeoutOnChargingTurnChangesNothing(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: func(upstream.TurnRequest) (io.ReadCloser, error) {
		return &errBody{r: strings.NewReader("data: {\"type\":\"progress\"}\n\n"), err: context.DeadlineExceeded}, nil
	}}
	s := newConvService(db, up, testBilling())
	acct := domain.AccountIdentity("a1")
	conv := seedConversation(t, db, acct, 4)
	seedBalance(t, db, "a1", 1)

	res, sink := submit(t, s, acct, "fifth")
	if res.Outcome != relay.TimedOut {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if !bytes.Contains(sink.terminal, []byte(relay.CodeUpstreamTimeout)) {
		t.Fatalf("expected timeout frame, got %s", sink.terminal)
	}
	if got := mustBalance(t, db, "a1"); got != 1 {
		t.Fatalf("balance = %d, want 1", got)
	}
	got := mustConversation(t, db, conv.ID)
	if got.TurnCount != 4 || got.ClaimToken != nil {
		t.Fatalf("turn count must stay 4 and the claim be released: %+v", got)
	}

	// timeout before any byte arrives is reported pre-stream
	up.reply = func(upstream.TurnRequest) (io.ReadCloser, error) { return nil, upstream.ErrTimeout }
	if _, err := s.Begin(context.Background(), acct, domain.KindDeepDive, "acme", "fifth"); !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("want ErrUpstreamTimeout, got %v", err)
	}
	up.reply = func(upstream.TurnRequest) (io.ReadCloser, error) { return nil, upstream.ErrUnavailable }
	if _, err := s.Begin(context.Background(), acct, domain.KindDeepDive, "acme", "fifth"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("want ErrUpstreamUnavailable, got %v", err)
	}
	if got := mustBalance(t, db, "a1"); got != 1 {
		t.Fatalf("balance = %d, want 1", got)
	}
}

// Scenario C: the charging turn completes the conversation.
func TestSubmit_ChargingTurnCompletesConversation(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: func(upstream.TurnRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(
			"data: {\"type\":\"complete\",\"next_prompt\":null,\"scores\":{\"motivation\":90,\"fit\":85,\"specificity\":80,\"consistency\":99}}\n\n")), nil
	}}
	s := newConvService(db, up, testBilling())
	acct := domain.AccountIdentity("a1")
	conv := seedConversation(t, db, acct, 4)
	seedBalance(t, db, "a1", 1)

	res, sink := submit(t, s, acct, "fifth")
	if res.Outcome != relay.Committed {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}
	if !res.Snapshot.Completed || res.Snapshot.NextPrompt != nil {
		t.Fatalf("unexpected snapshot: %+v", res.Snapshot)
	}
	if !bytes.Contains(sink.terminal, []byte(`"completed":true`)) {
		t.Fatalf("terminal frame must report completion: %s", sink.terminal)
	}
	if got := mustConversation(t, db, conv.ID); got.Status != domain.StatusCompleted || got.TurnCount != 5 {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got := mustBalance(t, db, "a1"); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}

	_, err := s.Begin(context.Background(), acct, domain.KindDeepDive, "acme", "sixth")
	if !errors.Is(err, ErrConversationCompleted) {
		t.Fatalf("want ErrConversationCompleted, got %v", err)
	}
}

func TestSubmit_HighScoresBelowTurnFloorStayInProgress(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("more", 100))}
	s := newConvService(db, up, testBilling())

	res, _ := submit(t, s, domain.AccountIdentity("a1"), "first")
	if res.Snapshot.Completed {
		t.Fatalf("turn 1 must not complete with MinTurns=5")
	}
}

func TestSubmit_UpstreamErrorFrameHasNoSideEffects(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf("data: {\"type\":\"progress\"}\n\ndata: {\"type\":\"error\",\"code\":\"overloaded\",\"message\":\"busy\"}\n\n")}
	s := newConvService(db, up, testBilling())
	acct := domain.AccountIdentity("a1")
	conv := seedConversation(t, db, acct, 4)
	seedBalance(t, db, "a1", 3)

	res, sink := submit(t, s, acct, "fifth")
	if res.Outcome != relay.UpstreamFailed {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if !bytes.Contains(sink.terminal, []byte(`"overloaded"`)) {
		t.Fatalf("error frame must be forwarded verbatim: %s", sink.terminal)
	}
	if got := mustConversation(t, db, conv.ID); got.TurnCount != 4 || got.ClaimToken != nil {
		t.Fatalf("state must be unchanged and claim released: %+v", got)
	}
	if got := mustBalance(t, db, "a1"); got != 3 {
		t.Fatalf("balance = %d, want 3", got)
	}
	if n, _ := repo.CountLedgerEntries(context.Background(), db, "a1"); n != 0 {
		t.Fatalf("ledger entries = %d, want 0", n)
	}
}

func TestSubmit_DebitFailureRollsBackPersistence(t *testing.T) {
	db := newSvcDB(t)
	acct := domain.AccountIdentity("a1")
	conv := seedConversation(t, db, acct, 4)
	seedBalance(t, db, "a1", 1)

	var s *ConversationService
	up := &fakeStreamer{reply: func(upstream.TurnRequest) (io.ReadCloser, error) {
		// another request spends the last credit while this turn is upstream
		if _, err := s.Ledger.Consume(context.Background(), acct, 1, "company_lookup", "other"); err != nil {
			t.Errorf("drain: %v", err)
		}
		return io.NopCloser(strings.NewReader(completeStream("next", 10))), nil
	}}
	s = newConvService(db, up, testBilling())

	res, sink := submit(t, s, acct, "fifth")
	if res.Outcome != relay.CommitFailed || !errors.Is(res.Err, ErrCommitFailure) {
		t.Fatalf("outcome = %v err = %v", res.Outcome, res.Err)
	}
	if !bytes.Contains(sink.terminal, []byte(relay.CodeCommitFailed)) {
		t.Fatalf("client must get an error frame, got %s", sink.terminal)
	}
	if got := mustConversation(t, db, conv.ID); got.TurnCount != 4 || got.ClaimToken != nil {
		t.Fatalf("persistence must roll back with the debit: %+v", got)
	}
	if _, err := repo.GetLedgerEntry(context.Background(), db, "a1", ReferenceID("deep_dive", conv.ID, 5)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("no ledger entry may exist for the failed turn, got %v", err)
	}
}

func TestSubmit_GuestChargingTurnWritesNoLedger(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("next", 10))}
	s := newConvService(db, up, testBilling())
	guest := domain.GuestIdentity("g1")
	seedConversation(t, db, guest, 4)

	res, _ := submit(t, s, guest, "fifth")
	if res.Outcome != relay.Committed {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}
	var n int64
	db.Model(&domain.LedgerEntry{}).Count(&n)
	if n != 0 {
		t.Fatalf("guests never write ledger rows, got %d", n)
	}
}

// ---------- concurrency & cancellation ----------

func TestBegin_BusyConversationTimesOut(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("next", 10))}
	s := newConvService(db, up, testBilling())
	s.ClaimWait = 60 * time.Millisecond
	acct := domain.AccountIdentity("a1")
	conv := seedConversation(t, db, acct, 1)

	if _, err := repo.ClaimConversation(context.Background(), db, conv.ID, "other", time.Minute, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := s.Begin(context.Background(), acct, domain.KindDeepDive, "acme", "hello")
	if !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("want ErrConversationBusy, got %v", err)
	}
}

func TestRelay_CallerCancellationStillCommits(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("next", 10))}
	s := newConvService(db, up, testBilling())
	acct := domain.AccountIdentity("a1")

	ctx, cancel := context.WithCancel(context.Background())
	p, err := s.Begin(ctx, acct, domain.KindDeepDive, "acme", "hello")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cancel()

	res := p.Relay(ctx, &sinkRecorder{})
	if res.Outcome != relay.Committed {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}
	if got := mustConversation(t, db, p.Conversation().ID); got.TurnCount != 1 {
		t.Fatalf("turn count = %d, want 1", got.TurnCount)
	}
}

func TestPendingTurn_AbandonReleasesClaim(t *testing.T) {
	db := newSvcDB(t)
	up := &fakeStreamer{reply: streamOf(completeStream("next", 10))}
	s := newConvService(db, up, testBilling())

	p, err := s.Begin(context.Background(), domain.AccountIdentity("a1"), domain.KindDeepDive, "acme", "hello")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p.Abandon(context.Background())
	if got := mustConversation(t, db, p.Conversation().ID); got.ClaimToken != nil || got.TurnCount != 0 {
		t.Fatalf("unexpected state after abandon: %+v", got)
	}
}

func TestSubmit_ConcurrentTurnsAreSerialized(t *testing.T) {
	db := newFileDB(t)
	release := make(chan struct{})
	up := &fakeStreamer{reply: func(upstream.TurnRequest) (io.ReadCloser, error) {
		<-release
		return io.NopCloser(strings.NewReader(completeStream("next", 10))), nil
	}}
	s := newConvService(db, up, testBilling())
	s.ClaimWait = 5 * time.Second
	acct := domain.AccountIdentity("a1")
	seedConversation(t, db, acct, 0)

	var wg sync.WaitGroup
	results := make(chan relay.Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.Begin(context.Background(), acct, domain.KindDeepDive, "acme", fmt.Sprintf("answer %d", i))
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			results <- p.Relay(context.Background(), &sinkRecorder{})
		}(i)
	}
	// let both submissions reach the claim before the first answer arrives
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	var counts []int
	for r := range results {
		if r.Outcome != relay.Committed {
			t.Fatalf("outcome = %v (%v)", r.Outcome, r.Err)
		}
		counts = append(counts, r.Snapshot.TurnCount)
	}
	if len(counts) != 2 || counts[0]+counts[1] != 3 || counts[0] == counts[1] {
		t.Fatalf("turn counts = %v, want 1 and 2", counts)
	}
	got, err := s.Get(context.Background(), acct, domain.KindDeepDive, "acme")
	if err != nil || got.TurnCount != 2 || len(got.Turns) != 4 {
		t.Fatalf("unexpected final state: %+v err=%v", got, err)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := newSvcDB(t)
	s := newConvService(db, &fakeStreamer{}, testBilling())
	_, err := s.Get(context.Background(), domain.AccountIdentity("a1"), domain.KindDocumentReview, "acme")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestShouldChargeAndReferenceID(t *testing.T) {
	b := testBilling()
	for turn, want := range map[int]bool{1: false, 4: false, 5: true, 10: true, 11: false} {
		if got := ShouldCharge(b, turn); got != want {
			t.Fatalf("ShouldCharge(%d) = %v", turn, got)
		}
	}
	b.ChargeCost = 0
	if ShouldCharge(b, 5) {
		t.Fatalf("zero cost never charges")
	}
	if got := ReferenceID("deep_dive", "c1", 5); got != "deep_dive:c1:turn-5" {
		t.Fatalf("ReferenceID = %q", got)
	}
}
