package dmarc

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnsupportedFormat is returned for attachment framings we do
	// not parse, like ZIP archives.
	ErrUnsupportedFormat = errors.New("unsupported attachment format")
	// ErrMalformedReport is returned when the XML is not parseable or
	// a required element is missing.
	ErrMalformedReport = errors.New("malformed dmarc report")
	// ErrEmptyReport is returned when the report carries no records.
	ErrEmptyReport = errors.New("report contains no records")
	// ErrValidationFailed is returned when one or more semantic rules
	// fail. The wrapped message lists every failing rule.
	ErrValidationFailed = errors.New("report validation failed")
)

// https://en.wikipedia.org/wiki/List_of_file_signatures
var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagics = [][]byte{
		{0x50, 0x4b, 0x03, 0x04},
		{0x50, 0x4b, 0x05, 0x06},
		{0x50, 0x4b, 0x07, 0x08},
	}
)

// some reports contain invalid XML by adding an unclosed xs tag
const xsTag = `<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema" targetNamespace="http://dmarc.org/dmarc-xml/0.1">`

// Decoder turns raw attachment bytes into validated reports.
type Decoder struct {
	logger   *slog.Logger
	validate *validator.Validate
}

func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{
		logger:   logger,
		validate: validator.New(),
	}
}

// Decode decompresses content if needed, parses it as a DMARC
// aggregate report and runs all validation rules. It returns the
// normalized report or one of the typed errors above.
func (d *Decoder) Decode(content []byte) (*Report, error) {
	if isZIP(content) {
		return nil, fmt.Errorf("%w: zip archives are not supported, extract the xml first", ErrUnsupportedFormat)
	}

	if bytes.HasPrefix(content, gzipMagic) {
		decompressed, err := gunzip(content)
		if err != nil {
			return nil, err
		}
		content = decompressed
	}

	content = bytes.ReplaceAll(content, []byte(xsTag), []byte(""))

	var fb feedback
	if err := xml.Unmarshal(content, &fb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}

	if fb.ReportMetadata.missing() {
		return nil, fmt.Errorf("%w: missing report_metadata element", ErrMalformedReport)
	}
	if fb.PolicyPublished.missing() {
		return nil, fmt.Errorf("%w: missing policy_published element", ErrMalformedReport)
	}
	if len(fb.Records) == 0 {
		return nil, ErrEmptyReport
	}

	if err := d.validateReport(&fb); err != nil {
		return nil, err
	}

	return normalize(&fb), nil
}

func isZIP(content []byte) bool {
	for _, magic := range zipMagics {
		if bytes.HasPrefix(content, magic) {
			return true
		}
	}
	return false
}

func gunzip(content []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("could not create gzip reader: %w", err)
	}
	defer gz.Close()

	xmlContent, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("could not decompress: %w", err)
	}
	return xmlContent, nil
}
