package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	appI18n "github.com/pavelanni/qafeedback/internal/i18n"
	"github.com/pavelanni/qafeedback/internal/model"
	"github.com/pavelanni/qafeedback/internal/store"
)

var errNotInteger = errors.New("not an integer")

// flexInt decodes a JSON number, a numeric string, "" or null. Browsers
// post slider and select values as strings.
type flexInt struct {
	Value *int64
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	f.Value = nil
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	n, err := parseFlexInt(s)
	if err != nil {
		return err
	}
	f.Value = n
	return nil
}

func parseFlexInt(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var n int64
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		n = v
	} else {
		fl, err := strconv.ParseFloat(s, 64)
		if err != nil || fl != math.Trunc(fl) || math.IsInf(fl, 0) {
			return nil, errNotInteger
		}
		if fl > math.MaxInt32 || fl < math.MinInt32 {
			return nil, errNotInteger
		}
		n = int64(fl)
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return nil, errNotInteger
	}
	return &n, nil
}

func (f flexInt) intPtr() *int {
	if f.Value == nil {
		return nil
	}
	n := int(*f.Value)
	return &n
}

type feedbackRequest struct {
	QAID                   flexInt `json:"qa_id"`
	TextFeedback           *string `json:"text_feedback"`
	AccuracyScore          flexInt `json:"accuracy_score"`
	CompletenessScore      flexInt `json:"completeness_score"`
	ClarityScore           flexInt `json:"clarity_score"`
	ClinicalRelevanceScore flexInt `json:"clinical_relevance_score"`
}

func (req feedbackRequest) scores() model.Scores {
	return model.Scores{
		Accuracy:          req.AccuracyScore.intPtr(),
		Completeness:      req.CompletenessScore.intPtr(),
		Clarity:           req.ClarityScore.intPtr(),
		ClinicalRelevance: req.ClinicalRelevanceScore.intPtr(),
	}
}

type goldRequest struct {
	QAID               flexInt `json:"qa_id"`
	GoldStandardAnswer *string `json:"gold_standard_answer"`
}

// loadPair fetches a Q&A pair and applies the dataset access check. With
// softMissing set, an unknown pair is a 200 validation failure rather than
// a 404, matching the AJAX endpoints.
func (h *Handler) loadPair(w http.ResponseWriter, r *http.Request, id int64, softMissing bool) (model.QAPair, bool) {
	qa, err := h.store.GetQAPair(id)
	if errors.Is(err, store.ErrNotFound) {
		status := http.StatusNotFound
		if softMissing {
			status = http.StatusOK
		}
		h.failT(w, r, status, "QANotFound")
		return qa, false
	}
	if err != nil {
		h.serverError(w, r, "failed to get Q&A pair", err, "qa_id", id)
		return qa, false
	}
	if !h.guardDataset(w, r, qa.DatasetID) {
		return qa, false
	}
	return qa, true
}

type qaView struct {
	model.QAPair
	Feedback []model.Feedback `json:"feedback"`
}

func (h *Handler) handleGetQA(w http.ResponseWriter, r *http.Request) {
	qaID, ok := h.idParam(w, r, "qaID")
	if !ok {
		return
	}
	qa, ok := h.loadPair(w, r, qaID, false)
	if !ok {
		return
	}
	user := model.UserFromContext(r.Context())
	feedback, err := h.store.GetUserFeedback(qa.ID, user.ID)
	if err != nil {
		h.serverError(w, r, "failed to get feedback", err, "qa_id", qa.ID)
		return
	}
	if feedback == nil {
		feedback = []model.Feedback{}
	}
	writeJSON(w, http.StatusOK, qaView{QAPair: qa, Feedback: feedback})
}

func (h *Handler) handleGetFeedback(w http.ResponseWriter, r *http.Request) {
	qaID, ok := h.idParam(w, r, "qaID")
	if !ok {
		return
	}
	qa, ok := h.loadPair(w, r, qaID, false)
	if !ok {
		return
	}
	user := model.UserFromContext(r.Context())
	feedback, err := h.store.GetUserFeedback(qa.ID, user.ID)
	if err != nil {
		h.serverError(w, r, "failed to get feedback", err, "qa_id", qa.ID)
		return
	}
	if feedback == nil {
		feedback = []model.Feedback{}
	}
	writeJSON(w, http.StatusOK, feedback)
}

func (h *Handler) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errNotInteger) {
			h.failT(w, r, http.StatusOK, "ScoreInvalid")
			return
		}
		h.failT(w, r, http.StatusOK, "InvalidRequest")
		return
	}
	if req.QAID.Value == nil {
		h.failT(w, r, http.StatusOK, "MissingQAID")
		return
	}

	scores := req.scores()
	if err := h.validate.Struct(scores); err != nil {
		jsonFail(w, http.StatusOK, appI18n.T(ctx, validationMessage(err)))
		return
	}

	qa, ok := h.loadPair(w, r, *req.QAID.Value, true)
	if !ok {
		return
	}

	user := model.UserFromContext(ctx)
	id, err := h.store.UpsertFeedback(model.FeedbackInput{
		QAPairID:     qa.ID,
		UserID:       user.ID,
		TextFeedback: req.TextFeedback,
		Scores:       scores,
	})
	if err != nil {
		h.serverError(w, r, "failed to save feedback", err, "qa_id", qa.ID)
		return
	}
	slog.Info("saved feedback", "feedback_id", id, "qa_id", qa.ID, "user_id", user.ID)
	jsonOK(w, appI18n.T(ctx, "FeedbackSaved"), map[string]any{"feedback_id": id})
}

// handleSubmitFeedbackForm is the non-JavaScript fallback. Scores and text
// go through the same upsert as the AJAX path; a non-blank gold standard in
// the form is saved separately.
func (h *Handler) handleSubmitFeedbackForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qaID, ok := h.idParam(w, r, "qaID")
	if !ok {
		return
	}
	qa, ok := h.loadPair(w, r, qaID, false)
	if !ok {
		return
	}
	target := fmt.Sprintf("/qa/%d", qa.ID)

	var scores model.Scores
	fields := []struct {
		name string
		dst  **int
	}{
		{"accuracy_score", &scores.Accuracy},
		{"completeness_score", &scores.Completeness},
		{"clarity_score", &scores.Clarity},
		{"clinical_relevance_score", &scores.ClinicalRelevance},
	}
	for _, f := range fields {
		v, err := parseFlexInt(r.FormValue(f.name))
		if err != nil {
			h.redirectWithFlash(w, r, target, flashError, appI18n.T(ctx, "FeedbackInvalid"))
			return
		}
		*f.dst = flexInt{Value: v}.intPtr()
	}
	if err := h.validate.Struct(scores); err != nil {
		h.redirectWithFlash(w, r, target, flashError, appI18n.T(ctx, "FeedbackInvalid"))
		return
	}

	var text *string
	if t := strings.TrimSpace(r.FormValue("text_feedback")); t != "" {
		text = &t
	}

	user := model.UserFromContext(ctx)
	if _, err := h.store.UpsertFeedback(model.FeedbackInput{
		QAPairID:     qa.ID,
		UserID:       user.ID,
		TextFeedback: text,
		Scores:       scores,
	}); err != nil {
		slog.Error("failed to save feedback", "qa_id", qa.ID, "error", err)
		h.redirectWithFlash(w, r, target, flashError, appI18n.T(ctx, "InternalError"))
		return
	}
	if gold := strings.TrimSpace(r.FormValue("gold_standard_answer")); gold != "" {
		if _, err := h.store.SaveGoldStandard(qa.ID, user.ID, gold); err != nil {
			slog.Error("failed to save gold standard", "qa_id", qa.ID, "error", err)
			h.redirectWithFlash(w, r, target, flashError, appI18n.T(ctx, "InternalError"))
			return
		}
	}
	h.redirectWithFlash(w, r, target, flashSuccess, appI18n.T(ctx, "FeedbackThanks"))
}

func (h *Handler) handleSaveGoldStandard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req goldRequest
	if err := decodeJSON(r, &req); err != nil {
		h.failT(w, r, http.StatusOK, "MissingData")
		return
	}
	if req.QAID.Value == nil || req.GoldStandardAnswer == nil {
		h.failT(w, r, http.StatusOK, "MissingData")
		return
	}
	if strings.TrimSpace(*req.GoldStandardAnswer) == "" {
		h.failT(w, r, http.StatusOK, "GoldStandardEmpty")
		return
	}

	qa, ok := h.loadPair(w, r, *req.QAID.Value, true)
	if !ok {
		return
	}

	user := model.UserFromContext(ctx)
	id, err := h.store.SaveGoldStandard(qa.ID, user.ID, *req.GoldStandardAnswer)
	if err != nil {
		h.serverError(w, r, "failed to save gold standard", err, "qa_id", qa.ID)
		return
	}
	slog.Info("saved gold standard", "feedback_id", id, "qa_id", qa.ID, "user_id", user.ID)
	jsonOK(w, appI18n.T(ctx, "GoldStandardSaved"), map[string]any{"feedback_id": id})
}
