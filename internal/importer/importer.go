// Package importer turns uploaded JSON or CSV files into Q&A records.
package importer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"

	"github.com/pavelanni/qafeedback/internal/model"
)

// Error codes double as i18n message IDs.
const (
	CodeUnsupportedFormat = "ImportUnsupportedFormat"
	CodeInvalidEncoding   = "ImportInvalidEncoding"
	CodeInvalidJSON       = "ImportInvalidJSON"
	CodeNotArray          = "ImportNotArray"
	CodeMissingFields     = "ImportMissingFields"
	CodeMissingColumns    = "ImportMissingColumns"
	CodeInvalidCSV        = "ImportInvalidCSV"
	CodeNoRows            = "ImportNoRows"
)

// messages are the English texts behind ValidationError.Error, used where no
// localizer is available (CLI import, logs). HTTP responses translate Code
// through the i18n catalogs instead, and the two must agree.
var messages = map[string]string{
	CodeUnsupportedFormat: "Only JSON and CSV files are supported",
	CodeInvalidEncoding:   "File must be UTF-8 encoded",
	CodeInvalidJSON:       "Invalid JSON format",
	CodeNotArray:          "JSON must be an array of objects",
	CodeMissingFields:     `Each JSON object must have "question" and "answer" fields`,
	CodeMissingColumns:    `CSV must have "question" and "answer" columns`,
	CodeInvalidCSV:        "Error reading CSV",
	CodeNoRows:            "No valid Q&A pairs found in the file",
}

// ValidationError reports an upload that cannot be imported. Nothing is
// written when one is returned.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := messages[e.Code]
	if e.Detail != "" {
		return msg + ": " + e.Detail
	}
	return msg
}

func invalid(code string, detail string) error {
	return &ValidationError{Code: code, Detail: detail}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Format is an accepted upload format.
type Format string

const (
	JSON Format = "json"
	CSV  Format = "csv"
)

// DetectFormat picks the format from the file extension, ignoring case.
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return JSON, nil
	case ".csv":
		return CSV, nil
	}
	return "", invalid(CodeUnsupportedFormat, "")
}

// Parser converts file contents into normalized records.
type Parser struct {
	// Now supplies the timestamp for rows without a usable one.
	Now func() time.Time
}

// Parse uses a Parser with the wall clock.
func Parse(filename string, data []byte) ([]model.NewQAPair, error) {
	return Parser{Now: time.Now}.Parse(filename, data)
}

// Parse validates and converts data according to filename's extension.
// At least one usable row is required.
func (p Parser) Parse(filename string, data []byte) ([]model.NewQAPair, error) {
	format, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, invalid(CodeInvalidEncoding, "")
	}

	var rows []model.NewQAPair
	switch format {
	case JSON:
		rows, err = p.ParseJSON(data)
	case CSV:
		rows, err = p.ParseCSV(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, invalid(CodeNoRows, "")
	}
	return rows, nil
}

// ParseJSON reads an array of objects carrying "question" and "answer".
// A malformed element rejects the whole payload; elements whose question or
// answer is blank are skipped.
func (p Parser) ParseJSON(data []byte) ([]model.NewQAPair, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, invalid(CodeInvalidJSON, err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, invalid(CodeInvalidJSON, "unexpected data after top-level value")
	}
	items, ok := payload.([]any)
	if !ok {
		return nil, invalid(CodeNotArray, "")
	}

	var rows []model.NewQAPair
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, invalid(CodeMissingFields, fmt.Sprintf("element %d is not an object", i))
		}
		question, qok := coerce(item["question"])
		answer, aok := coerce(item["answer"])
		if !qok || !aok {
			return nil, invalid(CodeMissingFields, fmt.Sprintf("element %d", i))
		}
		rec, keep := p.record(question, answer,
			firstValue(item, "id", "original_id"),
			firstValue(item, "timestamp", "created_at"))
		if keep {
			rows = append(rows, rec)
		}
	}
	return rows, nil
}

// ParseCSV reads a table whose header names "question" and "answer"
// columns. Rows missing either value are skipped.
func (p Parser) ParseCSV(r io.Reader) ([]model.NewQAPair, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, invalid(CodeMissingColumns, "")
	}
	if err != nil {
		return nil, invalid(CodeInvalidCSV, err.Error())
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		name = strings.TrimSpace(name)
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	if _, ok := cols["question"]; !ok {
		return nil, invalid(CodeMissingColumns, "")
	}
	if _, ok := cols["answer"]; !ok {
		return nil, invalid(CodeMissingColumns, "")
	}

	field := func(record []string, names ...string) string {
		for _, name := range names {
			idx, ok := cols[name]
			if !ok || idx >= len(record) {
				continue
			}
			if v := strings.TrimSpace(record[idx]); v != "" {
				return v
			}
		}
		return ""
	}

	var rows []model.NewQAPair
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, invalid(CodeInvalidCSV, err.Error())
		}
		rec, keep := p.record(field(record, "question"), field(record, "answer"),
			field(record, "id", "original_id"),
			field(record, "timestamp", "created_at"))
		if keep {
			rows = append(rows, rec)
		}
	}
	return rows, nil
}

func (p Parser) record(question, answer, originalID, timestamp string) (model.NewQAPair, bool) {
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" || answer == "" {
		return model.NewQAPair{}, false
	}
	rec := model.NewQAPair{
		Question:  question,
		Answer:    answer,
		CreatedAt: p.ParseTimestamp(timestamp),
	}
	if id := strings.TrimSpace(originalID); id != "" {
		rec.OriginalQAID = &id
	}
	return rec, true
}

// ParseTimestamp accepts most common date-time layouts. Blank or
// unparsable input yields the current time.
func (p Parser) ParseTimestamp(s string) time.Time {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return now().UTC()
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return now().UTC()
	}
	return t.UTC()
}

// coerce renders JSON scalars as text. Null, objects and arrays are not
// accepted.
func coerce(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

func firstValue(item map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := coerce(item[k]); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
