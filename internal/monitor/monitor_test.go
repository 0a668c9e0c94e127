package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nhle/leadmail/internal/extract"
	"github.com/nhle/leadmail/internal/ledger"
	"github.com/nhle/leadmail/internal/model"
	"github.com/nhle/leadmail/internal/notify"
	"github.com/nhle/leadmail/internal/sink"
	"github.com/nhle/leadmail/internal/testutil"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeFetcher struct {
	mu    sync.Mutex
	msgs  map[string][]model.RawMessage
	errs  map[string]error
	calls atomic.Int32

	// entered and release, when set, block FetchSince until release is
	// closed.
	entered chan struct{}
	release chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		msgs: make(map[string][]model.RawMessage),
		errs: make(map[string]error),
	}
}

func (f *fakeFetcher) set(address string, msgs ...model.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[address] = msgs
}

func (f *fakeFetcher) FetchSince(
	ctx context.Context, address, _ string, _ time.Time,
) ([]model.RawMessage, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[address]; err != nil {
		return nil, err
	}
	return f.msgs[address], nil
}

type staticCredentials struct{}

func (staticCredentials) Password(context.Context, model.MailboxAccount) (string, error) {
	return "secret", nil
}

type fakeSink struct {
	mu       sync.Mutex
	payloads []sink.Payload
	attempts int
	fail     func(p sink.Payload) error
}

func (s *fakeSink) Dispatch(_ context.Context, p sink.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.fail != nil {
		if err := s.fail(p); err != nil {
			return err
		}
	}
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *fakeSink) delivered() []sink.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.Payload(nil), s.payloads...)
}

func (s *fakeSink) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type extractFunc func(ctx context.Context, msg model.RawMessage) (*model.Lead, error)

func (f extractFunc) Extract(ctx context.Context, msg model.RawMessage) (*model.Lead, error) {
	return f(ctx, msg)
}

// leadFromSubject extracts a lead named after the message subject.
var leadFromSubject = extractFunc(func(_ context.Context, msg model.RawMessage) (*model.Lead, error) {
	return &model.Lead{
		LeadName:  msg.Subject,
		LeadPhone: "(21) 97004-2051",
		From:      msg.From,
		To:        msg.To,
		Portal:    "iCarros",
	}, nil
})

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		out = append(out, ev.Title)
	}
	return out
}

func (n *recordingNotifier) count(title string) int {
	c := 0
	for _, t := range n.titles() {
		if t == title {
			c++
		}
	}
	return c
}

type harness struct {
	monitor  *Monitor
	store    *ledger.SQLStore
	fetcher  *fakeFetcher
	sink     *fakeSink
	notifier *recordingNotifier
	clock    *fakeClock
}

type harnessOption func(*Deps)

func withExtractor(e extract.Extractor) harnessOption {
	return func(d *Deps) { d.Extractor = e }
}

func withLedger(l ledger.Ledger) harnessOption {
	return func(d *Deps) { d.Ledger = l }
}

func newHarness(t *testing.T, accounts []string, opts ...harnessOption) *harness {
	t.Helper()

	store := testutil.NewTestLedger(t)
	ctx := context.Background()
	for _, addr := range accounts {
		if _, err := store.UpsertAccount(ctx, model.MailboxAccount{Address: addr, Active: true}); err != nil {
			t.Fatalf("UpsertAccount(%s): %v", addr, err)
		}
	}

	h := &harness{
		store:    store,
		fetcher:  newFakeFetcher(),
		sink:     &fakeSink{},
		notifier: &recordingNotifier{},
		clock:    &fakeClock{now: t0},
	}

	deps := Deps{
		Accounts:    store,
		Ledger:      store,
		Fetcher:     h.fetcher,
		Credentials: staticCredentials{},
		Extractor:   leadFromSubject,
		Sink:        h.sink,
		Notifier:    h.notifier,
		Log:         zaptest.NewLogger(t),
		Now:         h.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.monitor = New(deps, Options{Cooldown: 30 * time.Minute, Window: time.Hour})
	return h
}

func message(id string, uid uint32) model.RawMessage {
	return model.RawMessage{
		MessageID:  id,
		UID:        uid,
		From:       "leads@icarros.com.br",
		To:         "123@dealer.example",
		Subject:    "Lead " + id,
		HTML:       "<p>lead</p>",
		ReceivedAt: t0.Add(-10 * time.Minute),
	}
}

func (h *harness) run(t *testing.T) CycleStats {
	t.Helper()
	stats, ran := h.monitor.RunCycle(context.Background())
	if !ran {
		t.Fatal("RunCycle skipped")
	}
	return stats
}

func (h *harness) recorded(t *testing.T, account string) int64 {
	t.Helper()
	st, err := h.store.Stats(context.Background(), account, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st.TotalProcessed
}

func TestRunCycleIsIdempotent(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example"})
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1), message("<m2@x>", 2))

	first := h.run(t)
	if first.Seen != 2 || first.New != 2 || first.Succeeded != 2 {
		t.Fatalf("first cycle = %+v", first)
	}
	if got := len(h.sink.delivered()); got != 2 {
		t.Fatalf("delivered %d leads, want 2", got)
	}
	summaries := h.notifier.count("Monitoring cycle report")

	h.clock.Advance(time.Minute)
	second := h.run(t)
	if second.Seen != 2 || second.New != 0 || second.Succeeded != 0 {
		t.Errorf("second cycle = %+v", second)
	}
	if got := len(h.sink.delivered()); got != 2 {
		t.Errorf("delivered %d leads after second cycle, want 2", got)
	}
	if got := h.recorded(t, "a@dealer.example"); got != 2 {
		t.Errorf("ledger holds %d records, want 2", got)
	}
	if got := h.notifier.count("Monitoring cycle report"); got != summaries {
		t.Errorf("idle cycle sent a summary: %v", h.notifier.titles())
	}
}

func TestRunCycleWindowOverlap(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example"})
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1))
	h.run(t)

	h.clock.Advance(time.Minute)
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1), message("<m2@x>", 2))
	stats := h.run(t)

	if stats.New != 1 || stats.Succeeded != 1 {
		t.Errorf("overlap cycle = %+v", stats)
	}
	delivered := h.sink.delivered()
	if len(delivered) != 2 || delivered[1].LeadName != "Lead <m2@x>" {
		t.Errorf("delivered = %+v", delivered)
	}
}

func TestRunCycleNormalizesPhoneBeforeDispatch(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example"})
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1))
	h.run(t)

	delivered := h.sink.delivered()
	if len(delivered) != 1 {
		t.Fatalf("delivered %d leads", len(delivered))
	}
	if delivered[0].LeadPhone != "5521970042051" {
		t.Errorf("LeadPhone = %q, want 5521970042051", delivered[0].LeadPhone)
	}
}

func TestDispatchFailureCoolsDown(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example"})
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1))

	var failing atomic.Bool
	failing.Store(true)
	h.sink.fail = func(sink.Payload) error {
		if failing.Load() {
			return &sink.DispatchError{StatusCode: 502, Message: "bad gateway"}
		}
		return nil
	}

	stats := h.run(t)
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v, want one failure", stats)
	}
	if got := h.recorded(t, ""); got != 0 {
		t.Fatalf("failed dispatch was recorded")
	}
	if h.notifier.count("Lead delivery error") != 1 {
		t.Errorf("notifications = %v", h.notifier.titles())
	}

	failing.Store(false)

	h.clock.Advance(29 * time.Minute)
	stats = h.run(t)
	if stats.New != 0 || h.sink.attemptCount() != 1 {
		t.Errorf("message retried before cooldown elapsed: %+v, attempts %d", stats, h.sink.attemptCount())
	}

	h.clock.Advance(time.Minute)
	stats = h.run(t)
	if stats.Succeeded != 1 || h.sink.attemptCount() != 2 {
		t.Errorf("message not retried at cooldown end: %+v, attempts %d", stats, h.sink.attemptCount())
	}
	if got := h.recorded(t, ""); got != 1 {
		t.Errorf("ledger holds %d records, want 1", got)
	}
}

func TestPermanentRejectionIsNotRetried(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example"})
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1))
	h.sink.fail = func(sink.Payload) error {
		return &sink.DispatchError{StatusCode: 400, Message: "Número inválido para WhatsApp"}
	}

	h.run(t)
	h.clock.Advance(2 * time.Hour)
	stats := h.run(t)

	if stats.New != 0 || h.sink.attemptCount() != 1 {
		t.Errorf("permanent rejection retried: %+v, attempts %d", stats, h.sink.attemptCount())
	}
}

func TestExtractionErrorCoolsDown(t *testing.T) {
	var calls atomic.Int32
	failing := extractFunc(func(_ context.Context, msg model.RawMessage) (*model.Lead, error) {
		calls.Add(1)
		return nil, &extract.ExtractionError{MessageID: msg.MessageID, Err: errors.New("malformed reply")}
	})
	h := newHarness(t, []string{"a@dealer.example"}, withExtractor(failing))
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1))

	stats := h.run(t)
	if stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(h.sink.delivered()) != 0 || h.recorded(t, "") != 0 {
		t.Error("failed extraction reached the sink or ledger")
	}
	if !h.monitor.Cooldown().Active("<m1@x>", h.clock.Now()) {
		t.Error("message not cooling down")
	}
	if h.notifier.count("Email processing error") != 1 {
		t.Errorf("notifications = %v", h.notifier.titles())
	}

	h.clock.Advance(10 * time.Minute)
	h.run(t)
	if calls.Load() != 1 {
		t.Errorf("extractor called %d times, want 1", calls.Load())
	}
}

func TestUnknownPortalIsSkipped(t *testing.T) {
	portals := extract.NewPortalExtractor(extract.DefaultRegistry())
	h := newHarness(t, []string{"a@dealer.example"}, withExtractor(portals))

	msg := message("<m1@x>", 1)
	msg.From = "sender@unknownportal.com"
	h.fetcher.set("a@dealer.example", msg)

	stats := h.run(t)
	if stats.Skipped != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if h.sink.attemptCount() != 0 || h.recorded(t, "") != 0 {
		t.Error("unknown portal message was dispatched or recorded")
	}
	if h.monitor.Cooldown().Active("<m1@x>", h.clock.Now()) {
		t.Error("skipped message must not cool down")
	}

	h.clock.Advance(time.Minute)
	if stats := h.run(t); stats.New != 1 {
		t.Errorf("skipped message not reconsidered: %+v", stats)
	}
}

func TestAccountFailureIsIsolated(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example", "b@dealer.example"})
	h.fetcher.errs["a@dealer.example"] = errors.New("connection refused")
	h.fetcher.set("b@dealer.example", message("<m1@x>", 1))

	stats := h.run(t)
	if stats.Accounts != 2 || stats.AccountErrors != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if got := h.recorded(t, "b@dealer.example"); got != 1 {
		t.Errorf("b recorded %d messages, want 1", got)
	}
	if h.notifier.count("IMAP connection error") != 1 {
		t.Errorf("notifications = %v", h.notifier.titles())
	}
	if h.notifier.count("Monitoring cycle report") != 1 {
		t.Errorf("missing cycle report: %v", h.notifier.titles())
	}
}

func TestInactiveAccountsAreNotPolled(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example", "b@dealer.example"})
	if err := h.store.SetAccountActive(context.Background(), "b@dealer.example", false); err != nil {
		t.Fatalf("SetAccountActive: %v", err)
	}

	stats := h.run(t)
	if stats.Accounts != 1 || h.fetcher.calls.Load() != 1 {
		t.Errorf("stats = %+v, fetches = %d", stats, h.fetcher.calls.Load())
	}
}

func TestRunCycleSingleFlight(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example"})
	h.fetcher.entered = make(chan struct{}, 1)
	h.fetcher.release = make(chan struct{})

	done := make(chan bool)
	go func() {
		_, ran := h.monitor.RunCycle(context.Background())
		done <- ran
	}()

	<-h.fetcher.entered
	if !h.monitor.Running() {
		t.Error("Running() = false during a cycle")
	}
	if _, ran := h.monitor.RunCycle(context.Background()); ran {
		t.Error("overlapping cycle ran")
	}
	close(h.fetcher.release)

	if ran := <-done; !ran {
		t.Error("first cycle did not run")
	}
	if h.fetcher.calls.Load() != 1 {
		t.Errorf("fetches = %d, want 1", h.fetcher.calls.Load())
	}
	if _, ok := h.monitor.LastCycle(); !ok {
		t.Error("LastCycle not recorded")
	}
}

// blindLedger hides existing records from FindExisting so Insert sees
// the duplicate.
type blindLedger struct {
	ledger.Ledger
}

func (blindLedger) FindExisting(context.Context, string, []string, []uint32) (ledger.Known, error) {
	return ledger.Known{}, nil
}

func TestDuplicateInsertIsOnlyAWarning(t *testing.T) {
	store := testutil.NewTestLedger(t)
	h := newHarness(t, []string{"a@dealer.example"}, withLedger(blindLedger{store}))
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1))

	if err := store.Insert(context.Background(), ledger.Record{
		MessageID: "<m1@x>", UID: 1, AccountEmail: "a@dealer.example", ReceivedAt: t0,
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	stats := h.run(t)
	if stats.Succeeded != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if h.monitor.Cooldown().Len() != 0 {
		t.Error("duplicate insert put the message in cooldown")
	}
}

type failingInsertLedger struct {
	ledger.Ledger
}

func (failingInsertLedger) Insert(context.Context, ledger.Record) error {
	return errors.New("disk full")
}

func TestInsertFailureCoolsDown(t *testing.T) {
	store := testutil.NewTestLedger(t)
	h := newHarness(t, []string{"a@dealer.example"}, withLedger(failingInsertLedger{store}))
	h.fetcher.set("a@dealer.example", message("<m1@x>", 1))

	stats := h.run(t)
	if stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if !h.monitor.Cooldown().Active("<m1@x>", h.clock.Now()) {
		t.Error("message not cooling down after insert failure")
	}
}

func TestManyAccountsAreAllProcessed(t *testing.T) {
	var accounts []string
	for i := 0; i < 20; i++ {
		accounts = append(accounts, fmt.Sprintf("%d@dealer.example", i))
	}
	h := newHarness(t, accounts)
	for i, addr := range accounts {
		h.fetcher.set(addr, message(fmt.Sprintf("<m%d@x>", i), 1))
	}

	stats := h.run(t)
	if stats.Succeeded != 20 {
		t.Errorf("succeeded = %d, want 20", stats.Succeeded)
	}
	if got := h.recorded(t, ""); got != 20 {
		t.Errorf("ledger holds %d records, want 20", got)
	}
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, []string{"a@dealer.example"})
	ctx := context.Background()

	for i, age := range []time.Duration{40 * 24 * time.Hour, 24 * time.Hour} {
		if err := h.store.Insert(ctx, ledger.Record{
			MessageID:    fmt.Sprintf("<old%d@x>", i),
			UID:          uint32(i + 1),
			AccountEmail: "a@dealer.example",
			ReceivedAt:   t0.Add(-age),
			ProcessedAt:  t0.Add(-age),
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	h.monitor.Cooldown().Record("<stale@x>", t0.Add(-time.Hour), false)
	h.monitor.Cooldown().Record("<dead@x>", t0.Add(-time.Hour), true)

	deleted, err := h.monitor.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if got := h.recorded(t, ""); got != 1 {
		t.Errorf("ledger holds %d records, want 1", got)
	}
	if h.monitor.Cooldown().Len() != 1 {
		t.Errorf("cooldown entries = %d, want only the permanent one", h.monitor.Cooldown().Len())
	}
}
