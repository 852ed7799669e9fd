// Package mailbox maintains a single logical IMAP connection and
// hides transport and retry details from the processing pipeline.
package mailbox

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/dmarcview/dmarcview/internal/config"
)

var (
	// ErrConnectionTimeout is returned when no ready or error signal
	// arrives within the connect timeout.
	ErrConnectionTimeout = errors.New("connection timed out")
	// ErrConnectionExhausted is returned after the retry budget is
	// spent. It wraps the last underlying error.
	ErrConnectionExhausted = errors.New("connection attempts exhausted")
	// ErrNotConnected is returned for operations on a connection that
	// is not in the ready state.
	ErrNotConnected = errors.New("not connected to mailbox server")
)

const (
	connectTimeout     = 10 * time.Second
	maxConnectAttempts = 3
	defaultBackoffBase = 1 * time.Second
	inboxFolder        = "INBOX"
)

// State describes the connector lifecycle:
// Disconnected -> Connecting -> Ready -> Disconnected. The last
// transition is reachable from an explicit disconnect and from an
// asynchronous connection drop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Attachment is one attachment of a fetched message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is a fetched mail message reduced to what the pipeline
// needs.
type Message struct {
	UID         uint32
	Subject     string
	From        string
	Date        time.Time
	Attachments []Attachment
}

// AttachmentPredicate decides whether an attachment looks like a
// DMARC report. The heuristic is approximate, so it is pluggable.
type AttachmentPredicate func(filename, contentType string) bool

// IsReportAttachment is the default predicate: a report marker in the
// filename or an XML/ZIP/GZIP content type.
func IsReportAttachment(filename, contentType string) bool {
	filename = strings.ToLower(filename)
	contentType = strings.ToLower(contentType)
	return strings.Contains(filename, "dmarc") ||
		strings.Contains(contentType, "xml") ||
		strings.Contains(contentType, "zip") ||
		strings.Contains(contentType, "gzip")
}

// session is the subset of the go-imap client the connector uses,
// extracted so tests can run against a fake server.
type session interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	List(ref, name string, ch chan *imap.MailboxInfo) error
	Create(name string) error
	Logout() error
	LoggedOut() <-chan struct{}
}

// Client is a stateful connector for one mailbox configuration. All
// connection state lives on the instance, multiple configurations can
// run side by side.
type Client struct {
	cfg           config.IMAPConfig
	archiveFolder string
	logger        *slog.Logger
	isReport      AttachmentPredicate

	dial        func() (session, error)
	backoffBase time.Duration

	mu              sync.Mutex
	state           State
	sess            session
	archiveVerified bool
}

func New(cfg config.IMAPConfig, archiveFolder string, logger *slog.Logger) *Client {
	c := &Client{
		cfg:           cfg,
		archiveFolder: archiveFolder,
		logger:        logger,
		isReport:      IsReportAttachment,
		backoffBase:   defaultBackoffBase,
	}
	c.dial = c.dialTLS
	return c
}

// UseAttachmentPredicate replaces the DMARC attachment heuristic.
func (c *Client) UseAttachmentPredicate(p AttachmentPredicate) {
	if p != nil {
		c.isReport = p
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) dialTLS() (session, error) {
	tlsConfig := &tls.Config{
		ServerName: c.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	if c.cfg.IgnoreCert {
		tlsConfig.InsecureSkipVerify = true // nolint:gosec
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	cl, err := client.DialWithDialerTLS(dialer, addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	cl.Timeout = c.cfg.Timeout.Duration
	return cl, nil
}
