// Package store persists normalized DMARC reports in SQLite. The
// unique constraint on report_id is the authoritative guard against
// double ingestion.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/dmarcview/dmarcview/internal/dmarc"
)

// ErrDuplicateReport is returned when a report with the same
// report_id already exists.
var ErrDuplicateReport = errors.New("report id already exists")

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	report_id TEXT NOT NULL UNIQUE,
	domain TEXT NOT NULL,
	org_name TEXT NOT NULL,
	email TEXT NOT NULL,
	start_date TIMESTAMP NOT NULL,
	end_date TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	report_id INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	source_ip TEXT NOT NULL,
	source_host TEXT NOT NULL DEFAULT '',
	count INTEGER NOT NULL CHECK (count > 0),
	disposition TEXT NOT NULL,
	dkim TEXT NOT NULL,
	spf TEXT NOT NULL,
	header_from TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_report_id ON records(report_id);
CREATE INDEX IF NOT EXISTS idx_reports_domain ON reports(domain);

CREATE TABLE IF NOT EXISTS processing_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	message_uid INTEGER NOT NULL,
	attachment_name TEXT NOT NULL,
	status TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	report_ref INTEGER REFERENCES reports(id)
);
`

// Report is a persisted report row.
type Report struct {
	ID        int64     `db:"id" json:"id"`
	ReportID  string    `db:"report_id" json:"reportId"`
	Domain    string    `db:"domain" json:"domain"`
	OrgName   string    `db:"org_name" json:"orgName"`
	Email     string    `db:"email" json:"email"`
	StartDate time.Time `db:"start_date" json:"startDate"`
	EndDate   time.Time `db:"end_date" json:"endDate"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	Records   []Record  `db:"-" json:"records,omitempty"`
}

// Record is a persisted record row belonging to exactly one report.
type Record struct {
	ID          int64  `db:"id" json:"id"`
	ReportRef   int64  `db:"report_id" json:"-"`
	SourceIP    string `db:"source_ip" json:"sourceIp"`
	SourceHost  string `db:"source_host" json:"sourceHost,omitempty"`
	Count       int    `db:"count" json:"count"`
	Disposition string `db:"disposition" json:"disposition"`
	DKIM        string `db:"dkim" json:"dkim"`
	SPF         string `db:"spf" json:"spf"`
	HeaderFrom  string `db:"header_from" json:"headerFrom"`
}

// LogEntry is one row of the append-only processing audit trail.
type LogEntry struct {
	ID             int64     `db:"id" json:"id"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	MessageUID     uint32    `db:"message_uid" json:"messageUid"`
	AttachmentName string    `db:"attachment_name" json:"attachmentName"`
	Status         string    `db:"status" json:"status"`
	Details        string    `db:"details" json:"details"`
	ReportRef      *int64    `db:"report_ref" json:"reportRef,omitempty"`
}

// Valid processing log statuses.
const (
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the SQLite database at path and applies the
// schema.
func New(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("could not open database %s: %w", path, err)
	}
	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// FindReportByReportID returns the stored report with the given
// natural key, or nil when none exists.
func (s *Store) FindReportByReportID(ctx context.Context, reportID string) (*Report, error) {
	var report Report
	err := s.db.GetContext(ctx, &report,
		`SELECT id, report_id, domain, org_name, email, start_date, end_date, created_at
		 FROM reports WHERE report_id = ?`, reportID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query report: %w", err)
	}
	return &report, nil
}

// CreateReportWithRecords inserts the report and all its records in
// one transaction. A concurrent insert of the same report_id fails
// the unique constraint and surfaces as ErrDuplicateReport, nothing
// is left half persisted.
func (s *Store) CreateReportWithRecords(ctx context.Context, report *dmarc.Report, records []Record) (*Report, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO reports (report_id, domain, org_name, email, start_date, end_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		report.ReportID, report.Domain, report.OrgName, report.Email,
		report.BeginTime, report.EndTime)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReport, report.ReportID)
		}
		return nil, fmt.Errorf("could not insert report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("could not get report id: %w", err)
	}

	stored := &Report{
		ID:        id,
		ReportID:  report.ReportID,
		Domain:    report.Domain,
		OrgName:   report.OrgName,
		Email:     report.Email,
		StartDate: report.BeginTime,
		EndDate:   report.EndTime,
	}
	for _, rec := range records {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO records (report_id, source_ip, source_host, count, disposition, dkim, spf, header_from)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, rec.SourceIP, rec.SourceHost, rec.Count, rec.Disposition, rec.DKIM, rec.SPF, rec.HeaderFrom)
		if err != nil {
			return nil, fmt.Errorf("could not insert record: %w", err)
		}
		recID, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("could not get record id: %w", err)
		}
		rec.ID = recID
		rec.ReportRef = id
		stored.Records = append(stored.Records, rec)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReport, report.ReportID)
		}
		return nil, fmt.Errorf("could not commit report: %w", err)
	}
	return stored, nil
}

// AppendProcessingLog appends one audit row. The trail is append-only.
func (s *Store) AppendProcessingLog(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_logs (message_uid, attachment_name, status, details, report_ref)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.MessageUID, entry.AttachmentName, entry.Status, entry.Details, entry.ReportRef)
	if err != nil {
		return fmt.Errorf("could not append processing log: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
