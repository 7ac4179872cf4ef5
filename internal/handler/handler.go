package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/qafeedback/internal/access"
	appI18n "github.com/pavelanni/qafeedback/internal/i18n"
	"github.com/pavelanni/qafeedback/internal/model"
	"github.com/pavelanni/qafeedback/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	config   model.ServerConfig
	validate *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, cfg model.ServerConfig) (*Handler, error) {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 16 << 20
	}
	return &Handler{store: s, config: cfg, validate: validator.New()}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.limitBody)
	r.Use(h.csrfMiddleware)

	r.Post("/login", h.handleLogin)
	r.Post("/register", h.handleRegister)
	r.Get("/logout", h.handleLogout)
	r.Post("/logout", h.handleLogout)
	r.Get("/api/flash", h.handleFlash)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/api/datasets", h.handleListDatasets)
		r.Get("/api/dataset/{datasetID}/qa", h.handleListQA)
		r.Get("/api/dataset/{datasetID}/users", h.handleFeedbackUsers)
		r.Post("/api/upload_dataset", h.handleUpload)
		r.Get("/api/download_dataset/{datasetID}", h.handleDownload)

		r.Get("/api/qa/{qaID}", h.handleGetQA)
		r.Get("/api/feedback/{qaID}", h.handleGetFeedback)
		r.Post("/api/submit_feedback", h.handleSubmitFeedback)
		r.Post("/submit_feedback/{qaID}", h.handleSubmitFeedbackForm)
		r.Post("/api/save_gold_standard", h.handleSaveGoldStandard)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)

			r.Delete("/api/delete_dataset/{datasetID}", h.handleDeleteDataset)
			r.Get("/api/export_data", h.handleExportData)

			r.Get("/api/admin/stats", h.handleAdminStats)
			r.Get("/api/admin/users", h.handleListUsers)
			r.Get("/api/admin/users/search", h.handleSearchUsers)
			r.Get("/api/admin/user/{userID}", h.handleGetUser)
			r.Put("/api/admin/user/{userID}", h.handleUpdateUser)
			r.Delete("/api/admin/user/{userID}", h.handleDeleteUser)
			r.Get("/api/admin/user/{userID}/datasets", h.handleUserDatasets)
			r.Post("/api/admin/user/{userID}/datasets", h.handleGrantDatasets)
			r.Delete("/api/admin/user/{userID}/datasets/{datasetID}", h.handleRevokeDataset)
			r.Get("/api/admin/dataset/{datasetID}/users", h.handleDatasetUsers)
			r.Post("/api/admin/dataset/{datasetID}/users", h.handleGrantUsers)
			r.Delete("/api/admin/dataset/{datasetID}/users/{userID}", h.handleRevokeUser)
		})
	})
}

// limitBody caps every request body at the upload limit.
func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// jsonOK answers {success:true, message, ...extra}.
func jsonOK(w http.ResponseWriter, message string, extra map[string]any) {
	body := map[string]any{"success": true}
	if message != "" {
		body["message"] = message
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// jsonFail answers {success:false, message} with the given status. AJAX
// validation failures use 200 so the browser script can show the message.
func jsonFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

func (h *Handler) failT(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	jsonFail(w, status, appI18n.T(r.Context(), msgID))
}

// serverError logs err and answers with a generic message.
func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error, args ...any) {
	slog.Error(msg, append(args, "path", r.URL.Path, "error", err)...)
	h.failT(w, r, http.StatusInternalServerError, "InternalError")
}

// idParam parses a numeric chi URL parameter, answering 400 on failure.
func (h *Handler) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.failT(w, r, http.StatusBadRequest, "InvalidID")
		return 0, false
	}
	return id, true
}

// guardDataset applies the access check for datasetID and writes the
// rejection itself. It reports whether the caller may proceed.
func (h *Handler) guardDataset(w http.ResponseWriter, r *http.Request, datasetID int64) bool {
	user := model.UserFromContext(r.Context())
	decision, err := access.Check(h.store, user, datasetID)
	if err != nil {
		h.serverError(w, r, "access check failed", err, "dataset_id", datasetID)
		return false
	}
	switch decision {
	case access.Allowed:
		return true
	case access.Unauthenticated:
		h.failT(w, r, http.StatusUnauthorized, "AuthRequired")
	default:
		slog.Warn("dataset access denied", "user_id", user.ID, "dataset_id", datasetID)
		h.failT(w, r, http.StatusForbidden, "AccessDenied")
	}
	return false
}

// loadDataset fetches a dataset, answering 404 or 500 on failure.
func (h *Handler) loadDataset(w http.ResponseWriter, r *http.Request, id int64) (model.Dataset, bool) {
	ds, err := h.store.GetDataset(id)
	if errors.Is(err, store.ErrNotFound) {
		h.failT(w, r, http.StatusNotFound, "DatasetNotFound")
		return ds, false
	}
	if err != nil {
		h.serverError(w, r, "failed to get dataset", err, "dataset_id", id)
		return ds, false
	}
	return ds, true
}

// loadUser fetches a user, answering 404 or 500 on failure.
func (h *Handler) loadUser(w http.ResponseWriter, r *http.Request, id int64) (*model.User, bool) {
	u, err := h.store.GetUserByID(id)
	if err != nil {
		h.serverError(w, r, "failed to get user", err, "user_id", id)
		return nil, false
	}
	if u == nil {
		h.failT(w, r, http.StatusNotFound, "UserNotFound")
		return nil, false
	}
	return u, true
}

// validationMessage maps the first failing field to a message ID.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "InvalidRequest"
	}
	switch verrs[0].StructField() {
	case "Accuracy", "Completeness", "Clarity", "ClinicalRelevance":
		return "ScoreInvalid"
	case "Username":
		return "UsernameRequired"
	case "Password":
		return "PasswordRequired"
	case "AccessLevel":
		return "InvalidAccessLevel"
	}
	return "InvalidRequest"
}

// decodeJSON reads a JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
