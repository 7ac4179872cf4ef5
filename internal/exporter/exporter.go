// Package exporter serializes a dataset's Q&A pairs and feedback as JSON or
// CSV.
package exporter

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/qafeedback/internal/model"
)

const csvTimeLayout = "2006-01-02 15:04:05"

var (
	// ErrInvalidFormat is returned for formats other than json and csv.
	ErrInvalidFormat = errors.New("invalid format, use json or csv")
	// ErrInvalidUserIDs is returned when user_ids is not a list of integers.
	ErrInvalidUserIDs = errors.New("invalid user_ids format")
)

// ParseQuery reads format and options from download query parameters.
// The format defaults to JSON and flags are enabled only by "true".
func ParseQuery(q url.Values) (model.ExportFormat, model.ExportOptions, error) {
	var opts model.ExportOptions

	format := model.ExportFormat(strings.ToLower(q.Get("format")))
	if format == "" {
		format = model.FormatJSON
	}
	if format != model.FormatJSON && format != model.FormatCSV {
		return "", opts, ErrInvalidFormat
	}

	flag := func(name string) bool { return strings.EqualFold(q.Get(name), "true") }
	opts.IncludeGoldStandards = flag("include_gold_standards")
	opts.IncludeScores = flag("include_scores")
	opts.IncludeTextFeedback = flag("include_text_feedback")

	ids, err := ParseUserIDs(q.Get("user_ids"))
	if err != nil {
		return "", opts, err
	}
	opts.UserIDs = ids
	return format, opts, nil
}

// ParseUserIDs parses a comma-separated ID list. Empty input and "all"
// mean no restriction and return nil.
func ParseUserIDs(s string) ([]int64, error) {
	if s == "" || s == "all" {
		return nil, nil
	}
	ids := []int64{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, ErrInvalidUserIDs
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Filename is the attachment name for a dataset download.
func Filename(datasetName string, format model.ExportFormat) string {
	return fmt.Sprintf("%s_feedback.%s", datasetName, format)
}

// ContentType is the MIME type for format.
func ContentType(format model.ExportFormat) string {
	if format == model.FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Write serializes exp in the requested format.
func Write(w io.Writer, format model.ExportFormat, exp *model.DatasetExport, opts model.ExportOptions) error {
	switch format {
	case model.FormatJSON:
		return WriteJSON(w, exp, opts)
	case model.FormatCSV:
		return WriteCSV(w, exp, opts)
	}
	return ErrInvalidFormat
}

// PerFeedbackRows reports whether CSV output has one row per feedback entry
// rather than one aggregated row per pair. That happens when feedback was
// requested and the user filter does not name exactly one user.
func PerFeedbackRows(opts model.ExportOptions) bool {
	return opts.IncludesFeedback() && (opts.UserIDs == nil || len(opts.UserIDs) != 1)
}

type jsonPair struct {
	ID              int64           `json:"id"`
	Question        string          `json:"question"`
	Answer          string          `json:"answer"`
	CreatedAt       string          `json:"created_at"`
	OriginalQAID    *string         `json:"original_qa_id,omitempty"`
	FeedbackEntries *[]jsonFeedback `json:"feedback_entries,omitempty"`
}

type jsonFeedback struct {
	FeedbackID             int64   `json:"feedback_id"`
	UserID                 *int64  `json:"user_id"`
	Username               *string `json:"username"`
	SubmittedAt            string  `json:"submitted_at"`
	TextFeedback           *string `json:"text_feedback,omitempty"`
	AccuracyScore          *int    `json:"accuracy_score,omitempty"`
	CompletenessScore      *int    `json:"completeness_score,omitempty"`
	ClarityScore           *int    `json:"clarity_score,omitempty"`
	ClinicalRelevanceScore *int    `json:"clinical_relevance_score,omitempty"`
	GoldStandardAnswer     *string `json:"gold_standard_answer,omitempty"`
}

// WriteJSON emits an indented array with one object per pair.
func WriteJSON(w io.Writer, exp *model.DatasetExport, opts model.ExportOptions) error {
	out := make([]jsonPair, 0, len(exp.Pairs))
	for _, pf := range exp.Pairs {
		jp := jsonPair{
			ID:           pf.Pair.ID,
			Question:     pf.Pair.Question,
			Answer:       pf.Pair.Answer,
			CreatedAt:    pf.Pair.CreatedAt.UTC().Format(time.RFC3339),
			OriginalQAID: nonEmpty(pf.Pair.OriginalQAID),
		}
		if opts.IncludesFeedback() {
			entries := []jsonFeedback{}
			for _, f := range filterFeedback(pf.Feedback, opts) {
				entries = append(entries, feedbackEntry(f, opts))
			}
			jp.FeedbackEntries = &entries
		}
		out = append(out, jp)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}

func feedbackEntry(f model.Feedback, opts model.ExportOptions) jsonFeedback {
	e := jsonFeedback{
		FeedbackID:  f.ID,
		UserID:      f.UserID,
		SubmittedAt: f.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if f.UserID != nil && f.Username != "" {
		name := f.Username
		e.Username = &name
	}
	if opts.IncludeTextFeedback {
		e.TextFeedback = nonEmpty(f.TextFeedback)
	}
	if opts.IncludeScores {
		e.AccuracyScore = f.Accuracy
		e.CompletenessScore = f.Completeness
		e.ClarityScore = f.Clarity
		e.ClinicalRelevanceScore = f.ClinicalRelevance
	}
	if opts.IncludeGoldStandards {
		e.GoldStandardAnswer = nonEmpty(f.GoldStandardAnswer)
	}
	return e
}

// WriteCSV emits a header row followed by either per-feedback or
// per-pair rows, see PerFeedbackRows.
func WriteCSV(w io.Writer, exp *model.DatasetExport, opts model.ExportOptions) error {
	cw := csv.NewWriter(w)
	withOriginal := hasOriginalIDs(exp.Pairs)

	var err error
	if PerFeedbackRows(opts) {
		err = writeFeedbackRows(cw, exp, opts, withOriginal)
	} else {
		err = writePairRows(cw, exp, opts, withOriginal)
	}
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeFeedbackRows(cw *csv.Writer, exp *model.DatasetExport, opts model.ExportOptions, withOriginal bool) error {
	header := []string{"qa_id", "question", "answer", "created_at"}
	if withOriginal {
		header = append(header, "original_qa_id")
	}
	header = append(header, "user_id", "username", "submitted_at")
	if opts.IncludeTextFeedback {
		header = append(header, "text_feedback")
	}
	if opts.IncludeScores {
		header = append(header, "accuracy_score", "completeness_score", "clarity_score", "clinical_relevance_score")
	}
	if opts.IncludeGoldStandards {
		header = append(header, "gold_standard_answer")
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, pf := range exp.Pairs {
		for _, f := range filterFeedback(pf.Feedback, opts) {
			row := pairColumns(pf.Pair, withOriginal)
			row = append(row, optInt64(f.UserID), f.Username, f.SubmittedAt.UTC().Format(csvTimeLayout))
			if opts.IncludeTextFeedback {
				row = append(row, deref(f.TextFeedback))
			}
			if opts.IncludeScores {
				row = append(row, optInt(f.Accuracy), optInt(f.Completeness), optInt(f.Clarity), optInt(f.ClinicalRelevance))
			}
			if opts.IncludeGoldStandards {
				row = append(row, deref(f.GoldStandardAnswer))
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePairRows(cw *csv.Writer, exp *model.DatasetExport, opts model.ExportOptions, withOriginal bool) error {
	header := []string{"id", "question", "answer", "created_at"}
	if withOriginal {
		header = append(header, "original_qa_id")
	}
	if opts.IncludesFeedback() {
		header = append(header, "feedback_count")
		if opts.IncludeScores {
			header = append(header, "avg_accuracy", "avg_completeness", "avg_clarity", "avg_clinical_relevance")
		}
		if opts.IncludeTextFeedback {
			header = append(header, "text_feedback_combined")
		}
		if opts.IncludeGoldStandards {
			header = append(header, "gold_standards_combined")
		}
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, pf := range exp.Pairs {
		row := pairColumns(pf.Pair, withOriginal)
		if opts.IncludesFeedback() {
			agg := Aggregate(filterFeedback(pf.Feedback, opts))
			row = append(row, strconv.Itoa(agg.Count))
			if opts.IncludeScores {
				row = append(row, formatMean(agg.Accuracy), formatMean(agg.Completeness),
					formatMean(agg.Clarity), formatMean(agg.ClinicalRelevance))
			}
			if opts.IncludeTextFeedback {
				row = append(row, agg.TextFeedback)
			}
			if opts.IncludeGoldStandards {
				row = append(row, agg.GoldStandards)
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Aggregated summarizes the feedback on one pair.
type Aggregated struct {
	Count             int
	Accuracy          *float64
	Completeness      *float64
	Clarity           *float64
	ClinicalRelevance *float64
	TextFeedback      string
	GoldStandards     string
}

// Aggregate averages each score over the entries that have it, rounded to
// two decimals, and joins non-empty texts with " | ".
func Aggregate(feedback []model.Feedback) Aggregated {
	agg := Aggregated{Count: len(feedback)}
	var acc, comp, clar, rel []int
	var texts, golds []string
	for _, f := range feedback {
		acc = appendScore(acc, f.Accuracy)
		comp = appendScore(comp, f.Completeness)
		clar = appendScore(clar, f.Clarity)
		rel = appendScore(rel, f.ClinicalRelevance)
		if s := deref(f.TextFeedback); s != "" {
			texts = append(texts, s)
		}
		if s := deref(f.GoldStandardAnswer); s != "" {
			golds = append(golds, s)
		}
	}
	agg.Accuracy = Mean(acc)
	agg.Completeness = Mean(comp)
	agg.Clarity = Mean(clar)
	agg.ClinicalRelevance = Mean(rel)
	agg.TextFeedback = strings.Join(texts, " | ")
	agg.GoldStandards = strings.Join(golds, " | ")
	return agg
}

// Mean returns the arithmetic mean rounded to two decimals, or nil for no
// values.
func Mean(values []int) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	m := math.Round(float64(sum)/float64(len(values))*100) / 100
	return &m
}

func appendScore(dst []int, v *int) []int {
	if v == nil {
		return dst
	}
	return append(dst, *v)
}

func formatMean(m *float64) string {
	if m == nil {
		return ""
	}
	return strconv.FormatFloat(*m, 'f', -1, 64)
}

func filterFeedback(all []model.Feedback, opts model.ExportOptions) []model.Feedback {
	if opts.UserIDs == nil {
		return all
	}
	var out []model.Feedback
	for _, f := range all {
		if opts.AllowsUser(f.UserID) {
			out = append(out, f)
		}
	}
	return out
}

func pairColumns(p model.QAPair, withOriginal bool) []string {
	row := []string{strconv.FormatInt(p.ID, 10), p.Question, p.Answer, p.CreatedAt.UTC().Format(csvTimeLayout)}
	if withOriginal {
		row = append(row, deref(p.OriginalQAID))
	}
	return row
}

func hasOriginalIDs(pairs []model.PairWithFeedback) bool {
	for _, pf := range pairs {
		if deref(pf.Pair.OriginalQAID) != "" {
			return true
		}
	}
	return false
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optInt64(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
