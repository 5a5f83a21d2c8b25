// Package mail retrieves feed attachments from an IMAP mailbox.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"ferrysync/internal/fault"
	"ferrysync/internal/gtfs"
	"ferrysync/internal/metrics"
	"ferrysync/internal/model"
)

// DefaultLimit caps the number of messages a search returns.
const DefaultLimit = 10

// Session is the part of an IMAP connection the Client uses.
// *client.Client from go-imap satisfies it.
type Session interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// DialFunc opens a protocol session to addr. timeout bounds the dial and every command.
type DialFunc func(addr string, timeout time.Duration) (Session, error)

// DialTLS opens an implicit-TLS IMAP connection.
func DialTLS(addr string, timeout time.Duration) (Session, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split address: %w", err)
	}
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: timeout}, addr, &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, err
	}
	c.Timeout = timeout
	return c, nil
}

// Client owns at most one IMAP session at a time. It is not safe for concurrent use;
// each ingestion cycle builds its own Client.
type Client struct {
	creds   model.EmailCredentials
	folder  string
	timeout time.Duration
	dial    DialFunc
	now     func() time.Time
	log     *slog.Logger

	sess Session
}

// Option configures a Client.
type Option func(*Client)

// WithFolder selects a mailbox other than INBOX.
func WithFolder(folder string) Option {
	return func(c *Client) { c.folder = folder }
}

// WithTimeout sets the dial and command timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithDialer replaces the TLS dialer (useful for testing).
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithClock overrides the time source used for saved file names.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Client for the given credentials. No connection is made.
func New(creds model.EmailCredentials, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		creds:   creds,
		folder:  "INBOX",
		timeout: 30 * time.Second,
		dial:    DialTLS,
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens a session, logs in and selects the folder. Any existing session
// is dropped first. On failure no partial session is kept.
func (c *Client) Connect(ctx context.Context) error {
	c.Disconnect()

	if err := ctx.Err(); err != nil {
		return fault.New(fault.ConnectionFailed, "connect", err)
	}
	if !c.creds.Complete() {
		return fault.New(fault.AuthFailed, "connect", errors.New("email credentials are not configured"))
	}

	addr := c.creds.Addr()
	c.log.Info("connecting to mail server", "server", addr, "address", c.creds.Address)

	sess, err := c.dial(addr, c.timeout)
	if err != nil {
		return fault.New(fault.ConnectionFailed, "dial "+addr, err)
	}
	if err := sess.Login(c.creds.Address, c.creds.Secret); err != nil {
		_ = sess.Logout()
		return fault.New(fault.AuthFailed, "login "+c.creds.Address, err)
	}
	if _, err := sess.Select(c.folder, false); err != nil {
		_ = sess.Logout()
		return fault.New(fault.ConnectionFailed, "select "+c.folder, err)
	}

	c.sess = sess
	c.log.Debug("mail session ready", "folder", c.folder)
	return nil
}

// Disconnect logs out and drops the session. Errors are ignored since the
// session may already be broken.
func (c *Client) Disconnect() {
	if c.sess == nil {
		return
	}
	if err := c.sess.Logout(); err != nil {
		c.log.Debug("logout", "error", err)
	}
	c.sess = nil
}

// withSession runs fn on the current session, connecting first when there is none.
// If fn fails on a session that was already open, the client reconnects once and
// runs fn again. There is never more than one reconnect per call.
func (c *Client) withSession(ctx context.Context, op string, fn func(Session) error) error {
	fresh := false
	if c.sess == nil {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		fresh = true
	}

	err := fn(c.sess)
	if err == nil {
		return nil
	}
	if fresh || ctx.Err() != nil {
		c.Disconnect()
		return fault.New(fault.ConnectionFailed, op, err)
	}

	c.log.Warn("mail operation failed, reconnecting", "op", op, "error", err)
	metrics.MailReconnects.Inc()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := fn(c.sess); err != nil {
		c.Disconnect()
		return fault.New(fault.ConnectionFailed, op, err)
	}
	return nil
}

// SearchQuery holds the optional search filters. Zero values are not applied.
type SearchQuery struct {
	Subject    string
	Sender     string
	Since      time.Time
	UnreadOnly bool
	Limit      int
}

// BuildCriteria ANDs the supplied filters into one search. Since keeps only the calendar day.
func BuildCriteria(q SearchQuery) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if q.UnreadOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if q.Subject != "" {
		criteria.Header.Add("Subject", q.Subject)
	}
	if q.Sender != "" {
		criteria.Header.Add("From", q.Sender)
	}
	if !q.Since.IsZero() {
		y, m, d := q.Since.Date()
		criteria.Since = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	if len(criteria.Header) == 0 && len(criteria.WithoutFlags) == 0 && criteria.Since.IsZero() {
		// 1:* is every message, the same as ALL.
		all := new(imap.SeqSet)
		all.AddRange(1, 0)
		criteria.SeqNum = all
	}
	return criteria
}

// Search returns the UIDs of matching messages in ascending order, keeping only
// the newest Limit of them. On failure it returns an empty slice and the error.
func (c *Client) Search(ctx context.Context, q SearchQuery) ([]uint32, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	criteria := BuildCriteria(q)

	var uids []uint32
	err := c.withSession(ctx, "search", func(s Session) error {
		var err error
		uids, err = s.UidSearch(criteria)
		return err
	})
	if err != nil {
		return []uint32{}, err
	}

	slices.Sort(uids)
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}
	c.log.Info("mail search done", "subject", q.Subject, "since", dateOrEmpty(q.Since), "found", len(uids))
	return uids, nil
}

// ValidateGTFSJSON reports whether a saved file is an acceptable feed.
func (c *Client) ValidateGTFSJSON(path string) bool {
	return gtfs.Valid(path)
}

func dateOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("02-Jan-2006")
}
