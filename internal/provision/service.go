package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/credential"
	"github.com/nhle/leadmail/internal/ledger"
	"github.com/nhle/leadmail/internal/model"
	"github.com/nhle/leadmail/internal/notify"
)

// DefaultCredentialRef marks accounts that log in with the configured
// default mailbox password.
const DefaultCredentialRef = credential.DefaultRef

var companyIDPattern = regexp.MustCompile(`^\d+$`)

// ErrInvalidCompanyID is returned for company ids that are not numeric.
var ErrInvalidCompanyID = errors.New("invalid company id")

// MailHost creates mailboxes on the mail server.
type MailHost interface {
	CreateMailboxAccount(ctx context.Context, localPart, password string) (string, error)
	Domain() string
}

// Result describes the outcome of provisioning a company mailbox.
type Result struct {
	Account model.MailboxAccount `json:"account"`
	Created bool                 `json:"created"`
}

// Service creates a company's mailbox and registers it for monitoring.
type Service struct {
	host     MailHost
	accounts ledger.AccountStore
	notifier notify.Notifier
	password string
	log      *zap.Logger
}

// NewService creates a provisioning service. password is the mailbox
// password given to new accounts.
func NewService(
	host MailHost,
	accounts ledger.AccountStore,
	notifier notify.Notifier,
	password string,
	log *zap.Logger,
) *Service {
	return &Service{
		host:     host,
		accounts: accounts,
		notifier: notifier,
		password: password,
		log:      log.With(zap.String("component", "provision")),
	}
}

// Provision ensures {companyID}@{domain} exists and is monitored. An
// account that is already registered is reactivated instead of created.
func (s *Service) Provision(ctx context.Context, companyID string) (Result, error) {
	if !companyIDPattern.MatchString(companyID) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidCompanyID, companyID)
	}
	address := companyID + "@" + s.host.Domain()

	existing, err := s.accounts.GetAccount(ctx, address)
	switch {
	case err == nil:
		if !existing.Active {
			if err := s.accounts.SetAccountActive(ctx, address, true); err != nil {
				return Result{}, err
			}
			existing.Active = true
		}
		return Result{Account: *existing}, nil
	case !errors.Is(err, ledger.ErrAccountNotFound):
		return Result{}, err
	}

	if s.password == "" {
		return Result{}, fmt.Errorf("mailbox.default_password must be set to provision accounts")
	}

	address, err = s.host.CreateMailboxAccount(ctx, companyID, s.password)
	if err != nil {
		s.notifier.Notify(ctx, notify.Event{
			Severity:    notify.SeverityError,
			Title:       "Mailbox provisioning failed",
			Description: "Creating the company mailbox on the mail host failed",
			Fields: []notify.Field{
				notify.F("Company", companyID),
				notify.F("Error", err),
			},
		})
		return Result{}, err
	}

	acct, err := s.accounts.UpsertAccount(ctx, model.MailboxAccount{
		Address:       address,
		CredentialRef: DefaultCredentialRef,
		Active:        true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("registering %s: %w", address, err)
	}

	s.log.Info("account provisioned", zap.String("account", address))
	s.notifier.Notify(ctx, notify.Event{
		Severity:    notify.SeveritySuccess,
		Title:       "Mailbox created",
		Description: "New mailbox created; monitoring starts on the next cycle",
		Fields: []notify.Field{
			notify.F("Company", companyID),
			notify.F("Account", address),
		},
	})
	return Result{Account: acct, Created: true}, nil
}
