package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/credential"
	"github.com/nhle/leadmail/internal/extract"
	"github.com/nhle/leadmail/internal/ledger"
	"github.com/nhle/leadmail/internal/logging"
	"github.com/nhle/leadmail/internal/mailbox"
	"github.com/nhle/leadmail/internal/model"
	"github.com/nhle/leadmail/internal/monitor"
	"github.com/nhle/leadmail/internal/notify"
	"github.com/nhle/leadmail/internal/provision"
	"github.com/nhle/leadmail/internal/sink"
)

// env holds what every command needs: config, logger, ledger and
// notifier.
type env struct {
	cfg      *model.AppConfig
	dir      string
	log      *zap.Logger
	store    *ledger.SQLStore
	notifier notify.Notifier
}

func loadEnv(opts *rootOptions) (*env, error) {
	cfg, err := model.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	if cfg.Ledger.Driver == "sqlite" && cfg.Ledger.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	store, err := ledger.Open(cfg.Ledger.Driver, cfg.Ledger.DSN)
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:      cfg,
		dir:      filepath.Dir(opts.configPath),
		log:      log,
		store:    store,
		notifier: notify.New(cfg.Notify, log),
	}, nil
}

func (e *env) close() {
	notify.Flush(e.notifier)
	if err := e.store.Close(); err != nil {
		e.log.Warn("closing ledger failed", zap.Error(err))
	}
	_ = e.log.Sync()
}

// keyring opens the credential keyring next to the config file.
func (e *env) keyring() (*credential.Store, error) {
	return credential.Open(e.dir)
}

// newMonitor wires the monitoring cycle. recorder may be nil.
func (e *env) newMonitor(recorder monitor.Recorder) (*monitor.Monitor, error) {
	var llm *extract.LLMExtractor
	if e.cfg.Extract.Strategy != model.StrategyPortal {
		llm = extract.NewLLMExtractor(e.cfg.Extract.LLM, e.log)
	}
	pipeline, err := extract.NewPipeline(e.cfg.Extract.Strategy, extract.DefaultRegistry(), llm, e.log)
	if err != nil {
		return nil, err
	}

	var getter credential.Getter
	if store, err := e.keyring(); err != nil {
		e.log.Warn("keyring unavailable, only the default mailbox password can be used", zap.Error(err))
	} else {
		getter = store
	}

	deps := monitor.Deps{
		Accounts:    e.store,
		Ledger:      e.store,
		Fetcher:     mailbox.NewIMAPClient(e.cfg.Mailbox, e.log),
		Credentials: credential.NewResolver(getter, e.cfg.Mailbox.DefaultPassword),
		Extractor:   pipeline,
		Sink:        sink.NewClient(e.cfg.Sink, e.log),
		Notifier:    e.notifier,
		Log:         e.log,
	}
	if recorder != nil {
		deps.Recorder = recorder
	}
	return monitor.New(deps, monitor.OptionsFromConfig(e.cfg)), nil
}

// newProvisioner returns nil when no mail host is configured.
func (e *env) newProvisioner() *provision.Service {
	if e.cfg.Provision.Host == "" {
		return nil
	}
	host := provision.NewCPanel(e.cfg.Provision, e.log)
	return provision.NewService(host, e.store, e.notifier, e.cfg.Mailbox.DefaultPassword, e.log)
}

// seedAccounts registers the statically configured mailboxes.
func (e *env) seedAccounts(ctx context.Context) error {
	for _, a := range e.cfg.Accounts {
		if _, err := e.store.UpsertAccount(ctx, model.MailboxAccount{
			Address:       a.Address,
			CredentialRef: a.CredentialRef,
			Active:        a.Active,
		}); err != nil {
			return fmt.Errorf("seeding account %s: %w", a.Address, err)
		}
	}
	if len(e.cfg.Accounts) > 0 {
		e.log.Info("configured accounts registered", zap.Int("count", len(e.cfg.Accounts)))
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
