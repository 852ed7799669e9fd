package dmarc

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

// label rules: alphanumeric plus hyphen, no leading or trailing
// hyphen, label length max 63
var domainRegexp = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

var validDispositions = map[string]bool{
	"none":       true,
	"quarantine": true,
	"reject":     true,
}

// Only the binary vocabulary from the policy_evaluated element is
// accepted. Reports using the richer authentication-results
// vocabulary (neutral, softfail, temperror, ...) are rejected.
var validAuthResults = map[string]bool{
	"pass": true,
	"fail": true,
}

// validateReport runs every rule against the parse tree and collects
// all failures so the caller sees the full picture at once.
func (d *Decoder) validateReport(fb *feedback) error {
	var result *multierror.Error

	result = multierror.Append(result, d.validateMetadata(fb.ReportMetadata))
	result = multierror.Append(result, d.validateDateRange(fb.ReportMetadata))
	result = multierror.Append(result, validatePolicy(fb.PolicyPublished))
	for i, rec := range fb.Records {
		if err := validateRecord(rec); err != nil {
			result = multierror.Append(result, fmt.Errorf("record %d: %w", i, err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

func (d *Decoder) validateMetadata(m reportMetadata) error {
	var result *multierror.Error
	if m.OrgName == "" {
		result = multierror.Append(result, fmt.Errorf("org_name is required"))
	}
	if err := d.validate.Var(m.Email, "required,email"); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid contact email %q", m.Email))
	}
	if m.ReportID == "" {
		result = multierror.Append(result, fmt.Errorf("report_id is required"))
	}
	return result.ErrorOrNil()
}

func (d *Decoder) validateDateRange(m reportMetadata) error {
	begin := m.DateRange.Begin
	end := m.DateRange.End
	if begin == 0 || end == 0 {
		return fmt.Errorf("date_range is required")
	}
	if begin >= end {
		return fmt.Errorf("date_range begin %d must be before end %d", begin, end)
	}

	// tolerate clock-skewed reporters, only warn on odd ranges
	now := time.Now().Unix()
	oneYearAgo := now - 365*24*60*60
	oneWeekAhead := now + 7*24*60*60
	if begin < oneYearAgo || end > oneWeekAhead {
		d.logger.Warn("report date range looks unusual",
			"begin", time.Unix(begin, 0).UTC(),
			"end", time.Unix(end, 0).UTC())
	}
	return nil
}

func validatePolicy(p policyPublished) error {
	var result *multierror.Error
	if !isValidDomain(p.Domain) {
		result = multierror.Append(result, fmt.Errorf("invalid policy domain %q", p.Domain))
	}
	if !validDispositions[p.P] {
		result = multierror.Append(result, fmt.Errorf("invalid policy %q, must be none, quarantine or reject", p.P))
	}
	if p.Sp != "" && !validDispositions[p.Sp] {
		result = multierror.Append(result, fmt.Errorf("invalid subdomain policy %q", p.Sp))
	}
	if p.Pct != "" {
		pct, err := strconv.Atoi(p.Pct)
		if err != nil || pct < 0 || pct > 100 {
			result = multierror.Append(result, fmt.Errorf("percentage must be between 0 and 100, got %q", p.Pct))
		}
	}
	return result.ErrorOrNil()
}

func validateRecord(rec xmlRecord) error {
	var result *multierror.Error
	if _, err := netip.ParseAddr(rec.Row.SourceIP); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid source ip %q", rec.Row.SourceIP))
	}
	if rec.Row.Count <= 0 {
		result = multierror.Append(result, fmt.Errorf("count must be a positive integer, got %d", rec.Row.Count))
	}
	if !validDispositions[rec.Row.PolicyEvaluated.Disposition] {
		result = multierror.Append(result, fmt.Errorf("invalid disposition %q", rec.Row.PolicyEvaluated.Disposition))
	}
	if !validAuthResults[rec.Row.PolicyEvaluated.Dkim] {
		result = multierror.Append(result, fmt.Errorf("invalid dkim result %q", rec.Row.PolicyEvaluated.Dkim))
	}
	if !validAuthResults[rec.Row.PolicyEvaluated.Spf] {
		result = multierror.Append(result, fmt.Errorf("invalid spf result %q", rec.Row.PolicyEvaluated.Spf))
	}
	if !isValidDomain(rec.Identifiers.HeaderFrom) {
		result = multierror.Append(result, fmt.Errorf("invalid header_from domain %q", rec.Identifiers.HeaderFrom))
	}
	return result.ErrorOrNil()
}

func isValidDomain(domain string) bool {
	if domain == "" || len(domain) > 253 {
		return false
	}
	return domainRegexp.MatchString(domain)
}
