package dmarc

import "time"

// Report is the flat projection of a validated aggregate report,
// decoupled from the XML parse tree and suitable for direct
// persistence.
type Report struct {
	Domain    string
	ReportID  string
	OrgName   string
	Email     string
	BeginTime time.Time
	EndTime   time.Time
	Records   []Record
}

// Record is one source-IP row of a report.
type Record struct {
	SourceIP    string
	Count       int
	Disposition string
	DKIM        string
	SPF         string
	HeaderFrom  string
}

func normalize(fb *feedback) *Report {
	r := &Report{
		Domain:    fb.PolicyPublished.Domain,
		ReportID:  fb.ReportMetadata.ReportID,
		OrgName:   fb.ReportMetadata.OrgName,
		Email:     fb.ReportMetadata.Email,
		BeginTime: time.Unix(fb.ReportMetadata.DateRange.Begin, 0).UTC(),
		EndTime:   time.Unix(fb.ReportMetadata.DateRange.End, 0).UTC(),
		Records:   make([]Record, len(fb.Records)),
	}
	for i, rec := range fb.Records {
		r.Records[i] = Record{
			SourceIP:    rec.Row.SourceIP,
			Count:       rec.Row.Count,
			Disposition: rec.Row.PolicyEvaluated.Disposition,
			DKIM:        rec.Row.PolicyEvaluated.Dkim,
			SPF:         rec.Row.PolicyEvaluated.Spf,
			HeaderFrom:  rec.Identifiers.HeaderFrom,
		}
	}
	return r
}
