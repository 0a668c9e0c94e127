package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/model"
)

// IMAPClient wraps go-imap v2 for fetching recent messages from the
// monitored mailboxes. It holds no connection state between calls.
type IMAPClient struct {
	host               string
	port               int
	tls                bool
	insecureSkipVerify bool
	log                *zap.Logger
	now                func() time.Time
}

// NewIMAPClient creates a new IMAP client for the configured server.
func NewIMAPClient(cfg model.MailboxConfig, log *zap.Logger) *IMAPClient {
	port := cfg.Port
	if port == 0 {
		port = 993
	}
	return &IMAPClient{
		host:               cfg.Host,
		port:               port,
		tls:                cfg.TLS,
		insecureSkipVerify: cfg.InsecureSkipVerify,
		log:                log.With(zap.String("component", "mailbox")),
		now:                time.Now,
	}
}

// connect dials the IMAP server and authenticates. The returned client is
// closed when ctx is done, which unblocks any pending command. The caller
// is responsible for calling Logout and the returned stop function.
func (c *IMAPClient) connect(
	ctx context.Context, address, password string,
) (*imapclient.Client, func() bool, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))

	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         c.host,
			InsecureSkipVerify: c.insecureSkipVerify,
		},
	}

	var client *imapclient.Client
	var err error
	if c.tls {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, nil, &ConnectionError{Account: address, Op: "dial " + addr, Err: err}
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })

	if err := client.Login(address, password).Wait(); err != nil {
		stop()
		_ = client.Logout().Wait()
		return nil, nil, &ConnectionError{Account: address, Op: "login", Auth: loginRejected(err), Err: err}
	}

	return client, stop, nil
}

// loginRejected reports whether the server answered LOGIN with NO, as
// opposed to the exchange failing on the wire.
func loginRejected(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo
}

// FetchSince connects to the mailbox, selects INBOX and returns every
// message received at or after since, oldest first. A message that fails
// to parse is logged and skipped. The connection is logged out on every
// return path.
func (c *IMAPClient) FetchSince(
	ctx context.Context, address, password string, since time.Time,
) ([]model.RawMessage, error) {
	client, stop, err := c.connect(ctx, address, password)
	if err != nil {
		return nil, err
	}
	defer func() {
		stop()
		if err := client.Logout().Wait(); err != nil {
			c.log.Debug("logout failed", zap.String("account", address), zap.Error(err))
		}
	}()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, c.wrap(ctx, address, "select INBOX", err)
	}

	// SEARCH SINCE compares dates in the server's zone, not instants. A day
	// of slack keeps late-evening server mail whose local date precedes
	// since; InWindow makes the exact cut below.
	criteria := &imap.SearchCriteria{Since: since.AddDate(0, 0, -1)}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, c.wrap(ctx, address, "search", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	fetchedAt := c.now()
	var messages []model.RawMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			c.log.Warn("collecting message failed",
				zap.String("account", address), zap.Uint32("seq", msg.SeqNum), zap.Error(err))
			continue
		}

		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			c.log.Warn("message has no body",
				zap.String("account", address), zap.Uint32("uid", uint32(buf.UID)))
			continue
		}

		parsed, err := ParseMessage(uint32(buf.UID), buf.InternalDate, raw, fetchedAt)
		if err != nil {
			c.log.Warn("skipping unparsable message",
				zap.String("account", address), zap.Uint32("uid", uint32(buf.UID)), zap.Error(err))
			continue
		}

		if !InWindow(parsed, buf.InternalDate, since) {
			continue
		}
		messages = append(messages, parsed)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, c.wrap(ctx, address, "fetch", err)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].UID < messages[j].UID
	})

	return messages, nil
}

// wrap turns a command error into a ConnectionError, preferring the
// context error when the connection was closed because ctx ended.
func (c *IMAPClient) wrap(ctx context.Context, address, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return &ConnectionError{Account: address, Op: op, Err: err}
}

// InWindow reports whether a message belongs to the fetch window. The
// server's INTERNALDATE is used when known since the Date header is set by
// the sender.
func InWindow(msg model.RawMessage, internalDate, since time.Time) bool {
	received := internalDate
	if received.IsZero() {
		received = msg.ReceivedAt
	}
	return !received.Before(since)
}
