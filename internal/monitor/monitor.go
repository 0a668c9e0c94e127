// Package monitor runs the polling cycle: fetch recent mail for every
// active mailbox, drop what the ledger already holds or what is cooling
// down after a failure, extract leads, dispatch them and record the
// successes.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/leadmail/internal/extract"
	"github.com/nhle/leadmail/internal/ledger"
	"github.com/nhle/leadmail/internal/mailbox"
	"github.com/nhle/leadmail/internal/model"
	"github.com/nhle/leadmail/internal/notify"
	"github.com/nhle/leadmail/internal/sink"
	"github.com/nhle/leadmail/internal/telemetry"
)

// recordTimeout bounds the ledger insert that follows a successful
// dispatch, which runs even after the account deadline has passed.
const recordTimeout = 10 * time.Second

// AccountLister returns the mailboxes to poll.
type AccountLister interface {
	ListActiveAccounts(ctx context.Context) ([]model.MailboxAccount, error)
}

// Fetcher retrieves the messages a mailbox received since a point in time.
type Fetcher interface {
	FetchSince(ctx context.Context, address, password string, since time.Time) ([]model.RawMessage, error)
}

// Credentials resolves an account's mailbox password.
type Credentials interface {
	Password(ctx context.Context, acct model.MailboxAccount) (string, error)
}

// Dispatcher delivers a lead downstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, p sink.Payload) error
}

// Recorder receives cycle metrics.
type Recorder interface {
	RecordCycle(ctx context.Context, seen, fresh, succeeded, failed int, d time.Duration)
	RecordDispatch(ctx context.Context, portal string, err error)
	RecordCleanup(ctx context.Context, deleted int64, err error)
}

// Deps are the collaborators of a Monitor. Notifier, Recorder, Log and Now
// are optional.
type Deps struct {
	Accounts    AccountLister
	Ledger      ledger.Ledger
	Fetcher     Fetcher
	Credentials Credentials
	Extractor   extract.Extractor
	Sink        Dispatcher
	Notifier    notify.Notifier
	Recorder    Recorder
	Log         *zap.Logger
	Now         func() time.Time
}

// Options tune a Monitor.
type Options struct {
	// Window is how far back each fetch looks.
	Window time.Duration
	// FetchTimeout bounds one account's work within a cycle.
	FetchTimeout time.Duration
	// Cooldown is how long a failed message is left alone.
	Cooldown time.Duration
	// Retention is how long ledger records are kept.
	Retention time.Duration
	// Concurrency caps how many accounts are polled at once.
	Concurrency int
}

// OptionsFromConfig reads Options from the application config.
func OptionsFromConfig(cfg *model.AppConfig) Options {
	return Options{
		Window:       cfg.Mailbox.Window,
		FetchTimeout: cfg.Mailbox.FetchTimeout,
		Cooldown:     cfg.Monitor.Cooldown,
		Retention:    cfg.Monitor.Retention,
		Concurrency:  cfg.Monitor.Concurrency,
	}
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = time.Hour
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 60 * time.Second
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	return o
}

// CycleStats are the advisory counters of one cycle.
type CycleStats struct {
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
	Accounts      int           `json:"accounts"`
	AccountErrors int           `json:"accountErrors"`
	Seen          int           `json:"seen"`
	New           int           `json:"new"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
}

func (s *CycleStats) add(r accountResult) {
	if r.err {
		s.AccountErrors++
	}
	s.Seen += r.seen
	s.New += r.fresh
	s.Succeeded += r.succeeded
	s.Failed += r.failed
	s.Skipped += r.skipped
}

type accountResult struct {
	err       bool
	seen      int
	fresh     int
	succeeded int
	failed    int
	skipped   int
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Monitor owns the cycle state: the single-flight flag, the failure
// cooldown and the last cycle's stats.
type Monitor struct {
	accounts    AccountLister
	ledger      ledger.Ledger
	fetcher     Fetcher
	credentials Credentials
	extractor   extract.Extractor
	sink        Dispatcher
	notifier    notify.Notifier
	recorder    Recorder
	log         *zap.Logger
	now         func() time.Time

	opts     Options
	cooldown *Cooldown
	running  atomic.Bool

	mu   sync.Mutex
	last *CycleStats
}

// New creates a Monitor.
func New(deps Deps, opts Options) *Monitor {
	opts = opts.withDefaults()

	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "monitor"))

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLog(log)
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = telemetry.NewRecorder(noop.NewMeterProvider())
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Monitor{
		accounts:    deps.Accounts,
		ledger:      deps.Ledger,
		fetcher:     deps.Fetcher,
		credentials: deps.Credentials,
		extractor:   deps.Extractor,
		sink:        deps.Sink,
		notifier:    notifier,
		recorder:    recorder,
		log:         log,
		now:         now,
		opts:        opts,
		cooldown:    NewCooldown(opts.Cooldown),
	}
}

// Cooldown exposes the failure cooldown.
func (m *Monitor) Cooldown() *Cooldown { return m.cooldown }

// Running reports whether a cycle is in progress.
func (m *Monitor) Running() bool { return m.running.Load() }

// LastCycle returns the stats of the most recent completed cycle.
func (m *Monitor) LastCycle() (CycleStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return CycleStats{}, false
	}
	return *m.last, true
}

// RunCycle polls every active account once. It returns false without
// doing anything when another cycle is still running. Account failures
// are logged and notified; they never fail the cycle.
func (m *Monitor) RunCycle(ctx context.Context) (CycleStats, bool) {
	if !m.running.CompareAndSwap(false, true) {
		m.log.Info("previous cycle still running, skipping")
		return CycleStats{}, false
	}
	defer m.running.Store(false)

	start := m.now()
	stats := CycleStats{StartedAt: start}

	accounts, err := m.accounts.ListActiveAccounts(ctx)
	if err != nil {
		m.log.Error("listing active accounts failed", zap.Error(err))
		m.notifier.Notify(ctx, notify.Event{
			Severity:    notify.SeverityError,
			Title:       "Monitoring cycle failed",
			Description: "Could not load the monitored accounts",
			Fields:      []notify.Field{notify.F("Error", err)},
		})
		stats.AccountErrors++
		m.finish(ctx, &stats, start)
		return stats, true
	}
	stats.Accounts = len(accounts)

	m.log.Info("starting monitoring cycle", zap.Int("accounts", len(accounts)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.opts.Concurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			res := m.processAccount(ctx, acct)
			mu.Lock()
			stats.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.finish(ctx, &stats, start)
	return stats, true
}

// finish records, logs and, when there was activity, notifies the cycle
// summary.
func (m *Monitor) finish(ctx context.Context, stats *CycleStats, start time.Time) {
	stats.Duration = m.now().Sub(start)

	m.mu.Lock()
	last := *stats
	m.last = &last
	m.mu.Unlock()

	m.recorder.RecordCycle(ctx, stats.Seen, stats.New, stats.Succeeded, stats.Failed, stats.Duration)
	m.log.Info("monitoring cycle finished",
		zap.Int("accounts", stats.Accounts),
		zap.Int("account_errors", stats.AccountErrors),
		zap.Int("seen", stats.Seen),
		zap.Int("new", stats.New),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("duration", stats.Duration),
	)

	errors := stats.Failed + stats.AccountErrors
	if stats.New == 0 && errors == 0 {
		return
	}
	severity := notify.SeverityInfo
	if errors > 0 {
		severity = notify.SeverityWarning
	}
	m.notifier.Notify(ctx, notify.Event{
		Severity:    severity,
		Title:       "Monitoring cycle report",
		Description: "Mailbox check cycle finished",
		Fields: []notify.Field{
			notify.F("Accounts", stats.Accounts),
			notify.F("New messages", stats.New),
			notify.F("Processed", stats.Succeeded),
			notify.F("Errors", errors),
			notify.F("Duration", stats.Duration.Round(time.Millisecond)),
		},
	})
}

// processAccount fetches and handles one mailbox within the per-account
// deadline.
func (m *Monitor) processAccount(ctx context.Context, acct model.MailboxAccount) accountResult {
	ctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	log := m.log.With(zap.String("account", acct.Address))
	var res accountResult

	password, err := m.credentials.Password(ctx, acct)
	if err != nil {
		log.Error("resolving mailbox password failed", zap.Error(err))
		m.notifyConnectionError(ctx, acct.Address, err)
		res.err = true
		return res
	}

	since := m.now().Add(-m.opts.Window)
	msgs, err := m.fetcher.FetchSince(ctx, acct.Address, password, since)
	if err != nil {
		log.Error("fetching mailbox failed", zap.Bool("auth", mailbox.IsAuthError(err)), zap.Error(err))
		m.notifyConnectionError(ctx, acct.Address, err)
		res.err = true
		return res
	}
	res.seen = len(msgs)
	if len(msgs) == 0 {
		log.Debug("no messages in window", zap.Time("since", since))
		return res
	}

	fresh, err := m.filter(ctx, log, acct.Address, msgs)
	if err != nil {
		log.Error("checking ledger failed", zap.Error(err))
		m.notifier.Notify(ctx, notify.Event{
			Severity:    notify.SeverityError,
			Title:       "Ledger unavailable",
			Description: "Could not check which messages were already processed",
			Fields:      []notify.Field{notify.F("Account", acct.Address), notify.F("Error", err)},
		})
		res.err = true
		return res
	}
	res.fresh = len(fresh)
	log.Info("messages fetched", zap.Int("seen", len(msgs)), zap.Int("new", len(fresh)))

	for _, msg := range fresh {
		if ctx.Err() != nil {
			log.Warn("account deadline reached, leaving remaining messages for the next cycle",
				zap.Int("remaining", len(fresh)-res.succeeded-res.failed-res.skipped))
			break
		}
		switch m.processMessage(ctx, log, acct, msg) {
		case outcomeSucceeded:
			res.succeeded++
		case outcomeFailed:
			res.failed++
		case outcomeSkipped:
			res.skipped++
		}
	}
	return res
}

// filter drops messages the ledger already holds and messages cooling
// down, logging why each one was skipped. Order is preserved.
func (m *Monitor) filter(
	ctx context.Context, log *zap.Logger, account string, msgs []model.RawMessage,
) ([]model.RawMessage, error) {
	ids := make([]string, 0, len(msgs))
	uids := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.MessageID)
		uids = append(uids, msg.UID)
	}

	known, err := m.ledger.FindExisting(ctx, account, ids, uids)
	if err != nil {
		return nil, err
	}

	now := m.now()
	fresh := make([]model.RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		if known.Contains(msg.MessageID, msg.UID) {
			log.Debug("skipping message: already processed",
				zap.String("message_id", msg.MessageID), zap.Uint32("uid", msg.UID))
			continue
		}
		if retryAt, cooling := m.cooldown.Until(msg.MessageID, now); cooling {
			fields := []zap.Field{zap.String("message_id", msg.MessageID), zap.Uint32("uid", msg.UID)}
			if retryAt.IsZero() {
				log.Debug("skipping message: permanently failed", fields...)
			} else {
				log.Debug("skipping message: cooling down", append(fields, zap.Time("retry_at", retryAt))...)
			}
			continue
		}
		fresh = append(fresh, msg)
	}
	return fresh, nil
}

// processMessage extracts, dispatches and records one message. The ledger
// insert only happens after a successful dispatch.
func (m *Monitor) processMessage(
	ctx context.Context, log *zap.Logger, acct model.MailboxAccount, msg model.RawMessage,
) outcome {
	log = log.With(zap.String("message_id", msg.MessageID), zap.Uint32("uid", msg.UID))

	lead, err := m.extractor.Extract(ctx, msg)
	if err != nil {
		m.cooldown.Record(msg.MessageID, m.now(), false)
		log.Error("extracting lead failed", zap.Duration("cooldown", m.opts.Cooldown), zap.Error(err))
		m.notifier.Notify(ctx, notify.Event{
			Severity:    notify.SeverityError,
			Title:       "Email processing error",
			Description: "Failed to process a received message",
			Fields: []notify.Field{
				notify.F("Account", acct.Address),
				notify.F("Message ID", msg.MessageID),
				notify.F("Error", err),
			},
		})
		return outcomeFailed
	}
	if lead == nil {
		log.Info("no extractor for sender, skipping", zap.String("from", msg.From))
		return outcomeSkipped
	}

	payload, phone := PrepareLead(*lead)
	if phone == "" {
		log.Warn("lead phone could not be normalized", zap.String("phone", lead.LeadPhone))
	}

	err = m.sink.Dispatch(ctx, payload)
	m.recorder.RecordDispatch(ctx, lead.Portal, err)
	if err != nil {
		permanent := IsPermanentError(err, sinkMessage(err), phone)
		m.cooldown.Record(msg.MessageID, m.now(), permanent)

		retry := "after " + m.opts.Cooldown.String()
		if permanent {
			retry = "never (permanent rejection)"
		}
		log.Error("dispatching lead failed",
			zap.String("portal", lead.Portal), zap.Bool("permanent", permanent), zap.Error(err))
		m.notifier.Notify(ctx, notify.Event{
			Severity:    notify.SeverityError,
			Title:       "Lead delivery error",
			Description: "Failed to send lead to the CRM",
			Fields: []notify.Field{
				notify.F("Lead", orNA(lead.LeadName)),
				notify.F("Lead email", orNA(lead.LeadEmail)),
				notify.F("Phone", orNA(payload.LeadPhone)),
				notify.F("Portal", orNA(lead.Portal)),
				notify.F("Retry", retry),
				notify.F("Error", err),
			},
		})
		return outcomeFailed
	}

	// A dispatched lead is recorded even if the account deadline passed.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	err = m.ledger.Insert(recordCtx, ledger.Record{
		MessageID:    msg.MessageID,
		UID:          msg.UID,
		AccountEmail: acct.Address,
		FromEmail:    msg.From,
		ToEmail:      msg.To,
		Subject:      msg.Subject,
		ReceivedAt:   msg.ReceivedAt,
		ProcessedAt:  m.now(),
	})
	switch {
	case ledger.IsDuplicate(err):
		log.Warn("message was already recorded", zap.Error(err))
	case err != nil:
		m.cooldown.Record(msg.MessageID, m.now(), false)
		log.Error("recording processed message failed", zap.Error(err))
		return outcomeFailed
	}

	log.Info("lead dispatched", zap.String("portal", lead.Portal))
	return outcomeSucceeded
}

func (m *Monitor) notifyConnectionError(ctx context.Context, address string, err error) {
	m.notifier.Notify(ctx, notify.Event{
		Severity:    notify.SeverityError,
		Title:       "IMAP connection error",
		Description: "Failed to connect to the mailbox",
		Fields:      []notify.Field{notify.F("Account", address), notify.F("Error", err)},
	})
}

// Cleanup deletes ledger records older than the retention window and
// prunes expired cooldown entries.
func (m *Monitor) Cleanup(ctx context.Context) (int64, error) {
	now := m.now()
	cutoff := now.Add(-m.opts.Retention)

	deleted, err := m.ledger.DeleteOlderThan(ctx, cutoff)
	m.recorder.RecordCleanup(ctx, deleted, err)
	if err != nil {
		m.log.Error("ledger cleanup failed", zap.Error(err))
		return 0, err
	}

	pruned := m.cooldown.Prune(now)
	m.log.Info("ledger cleanup finished",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff),
		zap.Int("cooldown_pruned", pruned),
	)
	return deleted, nil
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
