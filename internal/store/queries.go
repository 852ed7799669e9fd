package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReportSummary is one row of the report listing, a report plus the
// aggregates the dashboard shows.
type ReportSummary struct {
	Report
	TotalMessages int     `db:"total_messages" json:"totalMessages"`
	SPFPassRate   float64 `db:"spf_pass_rate" json:"spfPassRate"`
	DKIMPassRate  float64 `db:"dkim_pass_rate" json:"dkimPassRate"`
}

// ReportFilter narrows down the report listing.
type ReportFilter struct {
	Domain  string
	OrgName string
	Limit   int
	Offset  int
}

// DashboardStats is the aggregate view over everything stored.
type DashboardStats struct {
	TotalReports       int            `json:"totalReports"`
	TotalMessages      int            `json:"totalMessages"`
	AvgSPFPassRate     float64        `json:"avgSpfPassRate"`
	AvgDKIMPassRate    float64        `json:"avgDkimPassRate"`
	PolicyDistribution map[string]int `json:"policyDistribution"`
	TopSources         []SourceStat   `json:"topSources"`
	TopIPs             []IPStat       `json:"topIps"`
}

type SourceStat struct {
	OrgName      string `db:"org_name" json:"orgName"`
	ReportCount  int    `db:"report_count" json:"reportCount"`
	MessageCount int    `db:"message_count" json:"messageCount"`
}

type IPStat struct {
	SourceIP     string  `db:"source_ip" json:"sourceIp"`
	SourceHost   string  `db:"source_host" json:"sourceHost,omitempty"`
	MessageCount int     `db:"message_count" json:"messageCount"`
	FailureRate  float64 `db:"failure_rate" json:"failureRate"`
}

const reportSummarySelect = `
SELECT r.id, r.report_id, r.domain, r.org_name, r.email, r.start_date, r.end_date, r.created_at,
	COALESCE(SUM(rec.count), 0) AS total_messages,
	COALESCE(SUM(CASE WHEN rec.spf = 'pass' THEN rec.count ELSE 0 END) * 100.0 / NULLIF(SUM(rec.count), 0), 0) AS spf_pass_rate,
	COALESCE(SUM(CASE WHEN rec.dkim = 'pass' THEN rec.count ELSE 0 END) * 100.0 / NULLIF(SUM(rec.count), 0), 0) AS dkim_pass_rate
FROM reports r
LEFT JOIN records rec ON rec.report_id = r.id`

// ListReports returns report summaries, newest reporting period
// first.
func (s *Store) ListReports(ctx context.Context, filter ReportFilter) ([]ReportSummary, error) {
	query := reportSummarySelect
	var args []interface{}
	where := ""
	if filter.Domain != "" {
		where = " WHERE LOWER(r.domain) LIKE LOWER(?)"
		args = append(args, "%"+filter.Domain+"%")
	}
	if filter.OrgName != "" {
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += " LOWER(r.org_name) LIKE LOWER(?)"
		args = append(args, "%"+filter.OrgName+"%")
	}
	query += where + " GROUP BY r.id ORDER BY r.start_date DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	summaries := []ReportSummary{}
	if err := s.db.SelectContext(ctx, &summaries, query, args...); err != nil {
		return nil, fmt.Errorf("could not list reports: %w", err)
	}
	return summaries, nil
}

// GetReport returns one report including its records, or nil when it
// does not exist.
func (s *Store) GetReport(ctx context.Context, id int64) (*Report, error) {
	var report Report
	err := s.db.GetContext(ctx, &report,
		`SELECT id, report_id, domain, org_name, email, start_date, end_date, created_at
		 FROM reports WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query report: %w", err)
	}

	report.Records = []Record{}
	err = s.db.SelectContext(ctx, &report.Records,
		`SELECT id, report_id, source_ip, source_host, count, disposition, dkim, spf, header_from
		 FROM records WHERE report_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("could not query records: %w", err)
	}
	return &report, nil
}

// Summary computes the dashboard aggregates.
func (s *Store) Summary(ctx context.Context) (*DashboardStats, error) {
	stats := &DashboardStats{
		PolicyDistribution: map[string]int{"none": 0, "quarantine": 0, "reject": 0},
		TopSources:         []SourceStat{},
		TopIPs:             []IPStat{},
	}

	if err := s.db.GetContext(ctx, &stats.TotalReports, `SELECT COUNT(*) FROM reports`); err != nil {
		return nil, fmt.Errorf("could not count reports: %w", err)
	}
	if stats.TotalReports == 0 {
		return stats, nil
	}

	row := s.db.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(count), 0),
			COALESCE(SUM(CASE WHEN spf = 'pass' THEN count ELSE 0 END) * 100.0 / NULLIF(SUM(count), 0), 0),
			COALESCE(SUM(CASE WHEN dkim = 'pass' THEN count ELSE 0 END) * 100.0 / NULLIF(SUM(count), 0), 0)
		FROM records`)
	if err := row.Scan(&stats.TotalMessages, &stats.AvgSPFPassRate, &stats.AvgDKIMPassRate); err != nil {
		return nil, fmt.Errorf("could not compute totals: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT disposition, COALESCE(SUM(count), 0) FROM records GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("could not compute policy distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var disposition string
		var count int
		if err := rows.Scan(&disposition, &count); err != nil {
			return nil, fmt.Errorf("could not scan policy distribution: %w", err)
		}
		stats.PolicyDistribution[disposition] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read policy distribution: %w", err)
	}

	err = s.db.SelectContext(ctx, &stats.TopSources, `
		SELECT r.org_name, COUNT(DISTINCT r.id) AS report_count, COALESCE(SUM(rec.count), 0) AS message_count
		FROM reports r
		JOIN records rec ON rec.report_id = r.id
		GROUP BY r.org_name
		ORDER BY message_count DESC
		LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("could not compute top sources: %w", err)
	}

	err = s.db.SelectContext(ctx, &stats.TopIPs, `
		SELECT source_ip,
			MAX(source_host) AS source_host,
			COALESCE(SUM(count), 0) AS message_count,
			COALESCE(SUM(CASE WHEN spf = 'fail' OR dkim = 'fail' THEN count ELSE 0 END) * 100.0 / NULLIF(SUM(count), 0), 0) AS failure_rate
		FROM records
		GROUP BY source_ip
		ORDER BY message_count DESC
		LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("could not compute top ips: %w", err)
	}

	return stats, nil
}

// ListProcessingLogs returns audit entries, newest first, optionally
// filtered by status.
func (s *Store) ListProcessingLogs(ctx context.Context, status string, limit, offset int) ([]LogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	query := `SELECT id, created_at, message_uid, attachment_name, status, details, report_ref FROM processing_logs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	entries := []LogEntry{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("could not list processing logs: %w", err)
	}
	return entries, nil
}
