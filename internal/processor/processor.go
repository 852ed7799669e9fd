// Package processor drives one end-to-end ingestion cycle: connect,
// fetch, decode, deduplicate, persist, flag, disconnect.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dmarcview/dmarcview/internal/dmarc"
	"github.com/dmarcview/dmarcview/internal/mailbox"
	"github.com/dmarcview/dmarcview/internal/store"
)

// ErrCycleRunning is returned when a second cycle is started while
// one is still in flight. The connector is not safe for concurrent
// use, cycles are strictly serialized.
var ErrCycleRunning = errors.New("a processing cycle is already running")

// Mailbox is the connector surface the processor drives.
type Mailbox interface {
	ConnectWithRetry(ctx context.Context) error
	FetchMessages(ctx context.Context, unreadOnly bool, limit int) ([]mailbox.Message, error)
	MarkMessagesRead(ctx context.Context, uids []uint32) error
	MoveMessagesToArchive(ctx context.Context, uids []uint32) error
	Disconnect() error
}

// ReportStore is the persistence surface the processor writes to.
type ReportStore interface {
	FindReportByReportID(ctx context.Context, reportID string) (*store.Report, error)
	CreateReportWithRecords(ctx context.Context, report *dmarc.Report, records []store.Record) (*store.Report, error)
	AppendProcessingLog(ctx context.Context, entry store.LogEntry) error
}

// HostResolver annotates source IPs with their hostname. May be nil.
type HostResolver interface {
	ReverseLookup(ctx context.Context, ip string) string
}

// Outcome is one human readable per-attachment result.
type Outcome struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	ReportID string `json:"reportId,omitempty"`
}

// Summary is the result of one processing cycle.
type Summary struct {
	Processed int       `json:"processed"`
	Errors    int       `json:"errors"`
	Skipped   int       `json:"skipped"`
	Items     []Outcome `json:"details"`
}

// Options tunes a Processor.
type Options struct {
	// Archive moves handled messages to the archive mailbox instead
	// of only marking them read.
	Archive bool
	// FetchLimit caps how many recent messages a regular run looks
	// at. A full scan ignores it.
	FetchLimit int
	// Resolver optionally annotates records with reverse DNS.
	Resolver HostResolver
}

type Processor struct {
	mailbox Mailbox
	store   ReportStore
	decoder *dmarc.Decoder
	logger  *slog.Logger
	opts    Options
	running atomic.Bool
}

func New(mb Mailbox, st ReportStore, logger *slog.Logger, opts Options) *Processor {
	return &Processor{
		mailbox: mb,
		store:   st,
		decoder: dmarc.NewDecoder(logger),
		logger:  logger,
		opts:    opts,
	}
}

// Run performs one full cycle and returns its summary. When fullScan
// is set all messages are considered, including already read ones,
// with no limit; otherwise only unseen messages up to the fetch
// limit. Connection failures abort the cycle and propagate,
// per-attachment failures are absorbed into the summary.
func (p *Processor) Run(ctx context.Context, fullScan bool) (*Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer p.running.Store(false)

	summary := &Summary{Items: []Outcome{}}

	if err := p.mailbox.ConnectWithRetry(ctx); err != nil {
		return summary, fmt.Errorf("could not connect to mailbox: %w", err)
	}
	// always disconnect, even when a later step fails
	defer func() {
		if err := p.mailbox.Disconnect(); err != nil {
			p.logger.Error("error on disconnect", "err", err)
		}
	}()

	unreadOnly := !fullScan
	limit := p.opts.FetchLimit
	if fullScan {
		limit = 0
	}
	messages, err := p.mailbox.FetchMessages(ctx, unreadOnly, limit)
	if err != nil {
		return summary, fmt.Errorf("could not fetch messages: %w", err)
	}
	if len(messages) == 0 {
		p.logger.Info("no new dmarc reports to process")
		return summary, nil
	}

	p.logger.Info("processing messages", "count", len(messages))

	var handled []uint32
	for _, msg := range messages {
		cleanMessage := true
		for _, att := range msg.Attachments {
			if status := p.processAttachment(ctx, msg, att, summary); status == store.StatusError {
				cleanMessage = false
			}
		}
		// messages with a failed attachment stay unread so the next
		// cycle can retry them
		if cleanMessage {
			handled = append(handled, msg.UID)
		}
	}

	if len(handled) > 0 {
		var flagErr error
		if p.opts.Archive {
			flagErr = p.mailbox.MoveMessagesToArchive(ctx, handled)
		} else {
			flagErr = p.mailbox.MarkMessagesRead(ctx, handled)
		}
		if flagErr != nil {
			// ingestion already happened, flag trouble never fails the cycle
			p.logger.Error("could not update processed messages", "err", flagErr)
		}
	}

	p.logger.Info("cycle finished",
		"processed", summary.Processed,
		"errors", summary.Errors,
		"skipped", summary.Skipped)
	return summary, nil
}

// processAttachment handles one attachment end to end and returns the
// final processing status.
func (p *Processor) processAttachment(ctx context.Context, msg mailbox.Message, att mailbox.Attachment, summary *Summary) string {
	p.logger.Debug("processing attachment", "uid", msg.UID, "filename", att.Filename)
	p.appendLog(ctx, msg.UID, att.Filename, store.StatusStarted, "", nil)

	report, err := p.decoder.Decode(att.Content)
	if err != nil {
		return p.fail(ctx, msg, att, summary, fmt.Errorf("could not decode %s: %w", att.Filename, err))
	}

	existing, err := p.store.FindReportByReportID(ctx, report.ReportID)
	if err != nil {
		return p.fail(ctx, msg, att, summary, fmt.Errorf("could not check for existing report: %w", err))
	}
	if existing != nil {
		return p.skip(ctx, msg, att, summary, existing)
	}

	stored, err := p.store.CreateReportWithRecords(ctx, report, p.buildRecords(ctx, report))
	if errors.Is(err, store.ErrDuplicateReport) {
		// lost an insert race, same outcome as the early-exit check
		existing, findErr := p.store.FindReportByReportID(ctx, report.ReportID)
		if findErr != nil || existing == nil {
			return p.fail(ctx, msg, att, summary, fmt.Errorf("could not load duplicate report: %w", findErr))
		}
		return p.skip(ctx, msg, att, summary, existing)
	}
	if err != nil {
		return p.fail(ctx, msg, att, summary, fmt.Errorf("could not persist report: %w", err))
	}

	summary.Processed++
	summary.Items = append(summary.Items, Outcome{
		Status:   store.StatusSuccess,
		Message:  fmt.Sprintf("successfully processed report for %s from %s", stored.Domain, stored.OrgName),
		ReportID: stored.ReportID,
	})
	p.appendLog(ctx, msg.UID, att.Filename, store.StatusSuccess,
		fmt.Sprintf("stored report %s with %d records", stored.ReportID, len(stored.Records)), &stored.ID)
	p.logger.Info("stored report",
		"report_id", stored.ReportID,
		"domain", stored.Domain,
		"records", len(stored.Records))
	return store.StatusSuccess
}

func (p *Processor) skip(ctx context.Context, msg mailbox.Message, att mailbox.Attachment, summary *Summary, existing *store.Report) string {
	summary.Skipped++
	summary.Items = append(summary.Items, Outcome{
		Status:   store.StatusSkipped,
		Message:  fmt.Sprintf("report %s already exists", existing.ReportID),
		ReportID: existing.ReportID,
	})
	p.appendLog(ctx, msg.UID, att.Filename, store.StatusSkipped,
		fmt.Sprintf("report %s already exists", existing.ReportID), &existing.ID)
	p.logger.Debug("skipping known report", "report_id", existing.ReportID)
	return store.StatusSkipped
}

func (p *Processor) fail(ctx context.Context, msg mailbox.Message, att mailbox.Attachment, summary *Summary, err error) string {
	summary.Errors++
	summary.Items = append(summary.Items, Outcome{
		Status:  store.StatusError,
		Message: err.Error(),
	})
	p.appendLog(ctx, msg.UID, att.Filename, store.StatusError, err.Error(), nil)
	p.logger.Error("could not process attachment",
		"uid", msg.UID,
		"filename", att.Filename,
		"err", err)
	return store.StatusError
}

func (p *Processor) buildRecords(ctx context.Context, report *dmarc.Report) []store.Record {
	records := make([]store.Record, len(report.Records))
	for i, rec := range report.Records {
		host := ""
		if p.opts.Resolver != nil {
			host = p.opts.Resolver.ReverseLookup(ctx, rec.SourceIP)
		}
		records[i] = store.Record{
			SourceIP:    rec.SourceIP,
			SourceHost:  host,
			Count:       rec.Count,
			Disposition: rec.Disposition,
			DKIM:        rec.DKIM,
			SPF:         rec.SPF,
			HeaderFrom:  rec.HeaderFrom,
		}
	}
	return records
}

// appendLog writes one audit row, audit trouble is logged but never
// fails processing.
func (p *Processor) appendLog(ctx context.Context, uid uint32, attachment, status, details string, reportRef *int64) {
	entry := store.LogEntry{
		MessageUID:     uid,
		AttachmentName: attachment,
		Status:         status,
		Details:        details,
		ReportRef:      reportRef,
	}
	if err := p.store.AppendProcessingLog(ctx, entry); err != nil {
		p.logger.Error("could not append processing log", "err", err)
	}
}
