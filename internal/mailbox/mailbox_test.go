package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"

	"github.com/dmarcview/dmarcview/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	mu sync.Mutex

	loginErr   error
	selectErr  error
	messages   map[uint32][]byte
	uids       []uint32
	searches   []*imap.SearchCriteria
	fetched    []*imap.SeqSet
	seen       []*imap.SeqSet
	moves      map[string][]*imap.SeqSet
	created    []string
	existing   []string
	selections []bool
	logouts    int
	loggedOut  chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		messages:  make(map[uint32][]byte),
		moves:     make(map[string][]*imap.SeqSet),
		loggedOut: make(chan struct{}),
	}
}

func (f *fakeSession) Login(username, password string) error { return f.loginErr }

func (f *fakeSession) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	f.selections = append(f.selections, readOnly)
	return &imap.MailboxStatus{Name: name, Messages: uint32(len(f.messages))}, nil
}

func (f *fakeSession) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, criteria)
	return f.uids, nil
}

func (f *fakeSession) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	f.mu.Lock()
	f.fetched = append(f.fetched, seqset)
	f.mu.Unlock()
	for _, uid := range f.uids {
		if !seqset.Contains(uid) {
			continue
		}
		raw, ok := f.messages[uid]
		if !ok {
			continue
		}
		// key the body under both the peeked and the plain section
		// name, different library versions normalize differently
		body := map[*imap.BodySectionName]imap.Literal{
			{Peek: true}: bytes.NewBuffer(raw),
			{}:           bytes.NewBuffer(bytes.Clone(raw)),
		}
		ch <- &imap.Message{
			Uid: uid,
			Envelope: &imap.Envelope{
				Subject: fmt.Sprintf("Report %d", uid),
				Date:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
				From: []*imap.Address{
					{MailboxName: "noreply-dmarc-support", HostName: "google.com"},
				},
			},
			Body: body,
		}
	}
	return nil
}

func (f *fakeSession) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, seqset)
	return nil
}

func (f *fakeSession) UidMove(seqset *imap.SeqSet, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves[dest] = append(f.moves[dest], seqset)
	return nil
}

func (f *fakeSession) List(ref, name string, ch chan *imap.MailboxInfo) error {
	defer close(ch)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.existing {
		ch <- &imap.MailboxInfo{Name: n}
	}
	return nil
}

func (f *fakeSession) Create(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	f.existing = append(f.existing, name)
	return nil
}

func (f *fakeSession) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeSession) LoggedOut() <-chan struct{} { return f.loggedOut }

func testClient(sess *fakeSession) *Client {
	c := New(config.IMAPConfig{
		Host: "imap.example.com",
		Port: 993,
		User: "dmarc@example.com",
		Pass: "secret",
	}, "Archive", discardLogger())
	c.backoffBase = 10 * time.Millisecond
	c.dial = func() (session, error) { return sess, nil }
	return c
}

func rawTestMail(attachmentName, contentType string, content []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(content)
	var buf bytes.Buffer
	buf.WriteString("From: noreply-dmarc-support@google.com\r\n")
	buf.WriteString("To: dmarc@example.com\r\n")
	buf.WriteString("Subject: Report Domain: example.com\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: multipart/mixed; boundary=deadbeef\r\n\r\n")
	buf.WriteString("--deadbeef\r\nContent-Type: text/plain\r\n\r\nreport attached\r\n")
	buf.WriteString("--deadbeef\r\n")
	buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n", contentType))
	buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n", attachmentName))
	buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	buf.WriteString(encoded)
	buf.WriteString("\r\n--deadbeef--\r\n")
	return buf.Bytes()
}

func TestConnectWithRetry(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	c := testClient(sess)

	attempts := 0
	c.dial = func() (session, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return sess, nil
	}

	start := time.Now()
	if err := c.ConnectWithRetry(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elapsed := time.Since(start)

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	// backoff base + doubled backoff base
	if elapsed < 3*c.backoffBase {
		t.Errorf("backoff too short, waited only %v", elapsed)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("expected ready state, got %v", got)
	}
}

func TestConnectWithRetryExhausted(t *testing.T) {
	t.Parallel()
	c := testClient(newFakeSession())
	dialErr := errors.New("connection refused")
	c.dial = func() (session, error) { return nil, dialErr }

	err := c.ConnectWithRetry(context.Background())
	if !errors.Is(err, ErrConnectionExhausted) {
		t.Fatalf("expected ErrConnectionExhausted, got %v", err)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("expected wrapped dial error, got %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("expected disconnected state, got %v", got)
	}
}

func TestConnectWithRetryCancelled(t *testing.T) {
	t.Parallel()
	c := testClient(newFakeSession())
	c.dial = func() (session, error) { return nil, errors.New("nope") }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.ConnectWithRetry(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	c := testClient(sess)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect on fresh client should be a no-op: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("unexpected disconnect error: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect should be a no-op: %v", err)
	}
	if sess.logouts != 1 {
		t.Errorf("expected exactly one logout, got %d", sess.logouts)
	}
}

func TestConnectionDropObserved(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	c := testClient(sess)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	close(sess.loggedOut)

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatal("connection drop was never observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.FetchMessages(context.Background(), true, 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after drop, got %v", err)
	}
}

func TestFetchMessages(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	sess.uids = []uint32{1, 2, 3}
	sess.messages[1] = rawTestMail("google.com!example.com!1.xml.gz", "application/gzip", []byte("one"))
	sess.messages[2] = rawTestMail("notes.txt", "text/plain", []byte("two"))
	sess.messages[3] = rawTestMail("dmarc-report.xml", "application/xml", []byte("three"))

	c := testClient(sess)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	messages, err := c.FetchMessages(context.Background(), true, 0)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	// message 2 carries no report-looking attachment
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].UID != 1 || messages[1].UID != 3 {
		t.Errorf("wrong message order: %d, %d", messages[0].UID, messages[1].UID)
	}
	if messages[0].From != "noreply-dmarc-support@google.com" {
		t.Errorf("wrong sender %q", messages[0].From)
	}
	if len(messages[0].Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(messages[0].Attachments))
	}
	att := messages[0].Attachments[0]
	if att.Filename != "google.com!example.com!1.xml.gz" {
		t.Errorf("wrong attachment filename %q", att.Filename)
	}
	if string(att.Content) != "one" {
		t.Errorf("wrong attachment content %q", att.Content)
	}

	// the unseen search must exclude seen and deleted messages
	if len(sess.searches) != 1 {
		t.Fatalf("expected 1 search, got %d", len(sess.searches))
	}
	without := sess.searches[0].WithoutFlags
	if len(without) != 2 || without[0] != imap.DeletedFlag || without[1] != imap.SeenFlag {
		t.Errorf("unexpected search flags %v", without)
	}

	// fetching must not open the mailbox read-write
	for _, readOnly := range sess.selections {
		if !readOnly {
			t.Error("fetch selected the inbox read-write")
		}
	}
}

func TestFetchMessagesLimit(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	for uid := uint32(1); uid <= 5; uid++ {
		sess.uids = append(sess.uids, uid)
		sess.messages[uid] = rawTestMail("dmarc.xml", "application/xml", []byte("x"))
	}

	c := testClient(sess)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	messages, err := c.FetchMessages(context.Background(), false, 2)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	// the most recent matches are kept
	if messages[0].UID != 4 || messages[1].UID != 5 {
		t.Errorf("expected uids 4 and 5, got %d and %d", messages[0].UID, messages[1].UID)
	}
}

func TestAttachmentPredicate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		filename    string
		contentType string
		want        bool
	}{
		{"google.com!example.com!1640995200!1641081599.xml.gz", "application/gzip", true},
		{"dmarc_report.txt", "text/plain", true},
		{"report.xml", "application/xml", true},
		{"report.zip", "application/zip", true},
		{"invoice.pdf", "application/pdf", false},
		{"", "text/plain", false},
	}
	for _, tt := range tests {
		if got := IsReportAttachment(tt.filename, tt.contentType); got != tt.want {
			t.Errorf("IsReportAttachment(%q, %q) = %v, want %v", tt.filename, tt.contentType, got, tt.want)
		}
	}
}

func TestMarkMessagesRead(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	c := testClient(sess)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	if err := c.MarkMessagesRead(context.Background(), nil); err != nil {
		t.Fatalf("empty uid list should be a no-op: %v", err)
	}
	if len(sess.seen) != 0 {
		t.Fatal("store was called for an empty uid list")
	}

	if err := c.MarkMessagesRead(context.Background(), []uint32{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sess.seen) != 1 {
		t.Fatalf("expected 1 store call, got %d", len(sess.seen))
	}
	if !sess.seen[0].Contains(1) || !sess.seen[0].Contains(2) {
		t.Errorf("wrong seqset %v", sess.seen[0])
	}
}

func TestMoveMessagesToArchive(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	c := testClient(sess)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	if err := c.MoveMessagesToArchive(context.Background(), []uint32{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.MoveMessagesToArchive(context.Background(), []uint32{2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the archive mailbox is created once and cached afterwards
	if len(sess.created) != 1 || sess.created[0] != "Archive" {
		t.Fatalf("expected one created mailbox, got %v", sess.created)
	}
	if len(sess.moves["Archive"]) != 2 {
		t.Fatalf("expected 2 moves, got %d", len(sess.moves["Archive"]))
	}
}
