package dmarc

import "encoding/xml"

// feedback is the parse tree for a DMARC aggregate report as defined
// in https://tools.ietf.org/html/rfc7489#appendix-C. Only the fields
// we persist plus a few commonly present extras are mapped, unknown
// elements are ignored by the XML decoder.
type feedback struct {
	XMLName         xml.Name        `xml:"feedback"`
	Version         string          `xml:"version"`
	ReportMetadata  reportMetadata  `xml:"report_metadata"`
	PolicyPublished policyPublished `xml:"policy_published"`
	Records         []xmlRecord     `xml:"record"`
}

type reportMetadata struct {
	OrgName          string `xml:"org_name"`
	Email            string `xml:"email"`
	ExtraContactInfo string `xml:"extra_contact_info"`
	ReportID         string `xml:"report_id"`
	DateRange        struct {
		Begin int64 `xml:"begin"`
		End   int64 `xml:"end"`
	} `xml:"date_range"`
	Errors []string `xml:"error"`
}

type policyPublished struct {
	Domain string `xml:"domain"`
	Adkim  string `xml:"adkim"`
	Aspf   string `xml:"aspf"`
	P      string `xml:"p"`
	Sp     string `xml:"sp"`
	Pct    string `xml:"pct"`
}

type xmlRecord struct {
	Row struct {
		SourceIP        string `xml:"source_ip"`
		Count           int    `xml:"count"`
		PolicyEvaluated struct {
			Disposition string `xml:"disposition"`
			Dkim        string `xml:"dkim"`
			Spf         string `xml:"spf"`
		} `xml:"policy_evaluated"`
	} `xml:"row"`
	Identifiers struct {
		EnvelopeTo string `xml:"envelope_to"`
		HeaderFrom string `xml:"header_from"`
	} `xml:"identifiers"`
}

func (m reportMetadata) missing() bool {
	return m.OrgName == "" && m.Email == "" && m.ReportID == ""
}

func (p policyPublished) missing() bool {
	return p.Domain == "" && p.P == ""
}
