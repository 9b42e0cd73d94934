// Package ingest decodes normalized log events from JSON documents.
//
// Input is either a JSON array of events or newline-delimited JSON. Each
// event is checked against the embedded event schema; events that fail are
// counted and skipped so one bad record never aborts a run.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"camtrace/internal/model"
	"camtrace/internal/schemavalidation"
)

// Format selects the input framing.
type Format int

const (
	// FormatAuto sniffs the first non-space byte: '[' means a JSON array.
	FormatAuto Format = iota
	FormatJSON
	FormatNDJSON
)

// maxRecordedErrors bounds Report.Errors.
const maxRecordedErrors = 20

// maxLineSize is the largest NDJSON record accepted.
const maxLineSize = 1 << 20

// ErrUnknownFormat is returned for unrecognised format names.
var ErrUnknownFormat = errors.New("ingest: unknown format")

// ParseFormat parses "auto", "json" or "ndjson".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "json":
		return FormatJSON, nil
	case "ndjson", "jsonl":
		return FormatNDJSON, nil
	default:
		return FormatAuto, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Report describes what a decode accepted and rejected.
type Report struct {
	Decoded  int
	Rejected int
	// Errors holds the first rejections, one per record.
	Errors []error
}

func (r *Report) reject(err error) {
	r.Rejected++
	if len(r.Errors) < maxRecordedErrors {
		r.Errors = append(r.Errors, err)
	}
}

// Decoder turns JSON input into events.
type Decoder struct {
	validator *schemavalidation.Validator
	logger    *slog.Logger
}

// NewDecoder creates a Decoder using the embedded event schema.
func NewDecoder(logger *slog.Logger) (*Decoder, error) {
	v, err := schemavalidation.Events()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{validator: v, logger: logger.With("component", "ingest")}, nil
}

// DecodeFile decodes the file at path, picking NDJSON for .ndjson and .jsonl
// files and sniffing otherwise.
func (d *Decoder) DecodeFile(ctx context.Context, path string) ([]*model.NormalizedLogEvent, Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Report{}, fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	format := FormatAuto
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		format = FormatNDJSON
	}
	return d.Decode(ctx, f, format)
}

// Decode reads events from r. Malformed framing is an error; individual
// invalid events are reported and skipped.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, format Format) ([]*model.NormalizedLogEvent, Report, error) {
	br := bufio.NewReader(r)
	if format == FormatAuto {
		var err error
		format, err = sniff(br)
		if err != nil {
			return nil, Report{}, err
		}
	}

	var (
		events []*model.NormalizedLogEvent
		report Report
		err    error
	)
	switch format {
	case FormatJSON:
		err = d.decodeArray(ctx, br, &events, &report)
	default:
		err = d.decodeLines(ctx, br, &events, &report)
	}
	report.Decoded = len(events)
	if report.Rejected > 0 {
		d.logger.Warn("skipped invalid events", "rejected", report.Rejected, "decoded", report.Decoded)
	}
	return events, report, err
}

func sniff(br *bufio.Reader) (Format, error) {
	for {
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return FormatNDJSON, nil
		}
		if err != nil {
			return FormatAuto, err
		}
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return FormatAuto, err
		}
		if b == '[' {
			return FormatJSON, nil
		}
		return FormatNDJSON, nil
	}
}

func (d *Decoder) decodeArray(ctx context.Context, r io.Reader, events *[]*model.NormalizedLogEvent, report *Report) error {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read events array: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("read events array: expected '[', got %v", tok)
	}

	for i := 0; dec.More(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode event %d: %w", i, err)
		}
		d.accept(raw, fmt.Sprintf("event %d", i), events, report)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read events array: %w", err)
	}
	return nil
}

func (d *Decoder) decodeLines(ctx context.Context, r io.Reader, events *[]*model.NormalizedLogEvent, report *Report) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		d.accept(data, fmt.Sprintf("line %d", line), events, report)
	}
	return scanner.Err()
}

func (d *Decoder) accept(raw []byte, where string, events *[]*model.NormalizedLogEvent, report *Report) {
	if err := d.validator.ValidateJSON(raw); err != nil {
		report.reject(fmt.Errorf("%s: %w", where, err))
		d.logger.Debug("rejected event", "at", where, "error", err)
		return
	}
	var e model.NormalizedLogEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		report.reject(fmt.Errorf("%s: %w", where, err))
		return
	}
	*events = append(*events, &e)
}
