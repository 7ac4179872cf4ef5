package handler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/pavelanni/qafeedback/internal/exporter"
	appI18n "github.com/pavelanni/qafeedback/internal/i18n"
	"github.com/pavelanni/qafeedback/internal/importer"
	"github.com/pavelanni/qafeedback/internal/model"
	"github.com/pavelanni/qafeedback/internal/store"
)

func (h *Handler) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	datasets, err := h.store.ListDatasetSummaries(user)
	if err != nil {
		h.serverError(w, r, "failed to list datasets", err)
		return
	}
	if datasets == nil {
		datasets = []model.DatasetSummary{}
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (h *Handler) handleListQA(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.idParam(w, r, "datasetID")
	if !ok || !h.guardDataset(w, r, datasetID) {
		return
	}
	if _, ok := h.loadDataset(w, r, datasetID); !ok {
		return
	}
	user := model.UserFromContext(r.Context())
	pairs, err := h.store.ListQAPairSummaries(datasetID, user.ID)
	if err != nil {
		h.serverError(w, r, "failed to list Q&A pairs", err, "dataset_id", datasetID)
		return
	}
	if pairs == nil {
		pairs = []model.QAPairSummary{}
	}
	writeJSON(w, http.StatusOK, pairs)
}

type userRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// handleFeedbackUsers lists users who left feedback on a dataset, for the
// export user filter.
func (h *Handler) handleFeedbackUsers(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.idParam(w, r, "datasetID")
	if !ok || !h.guardDataset(w, r, datasetID) {
		return
	}
	users, err := h.store.ListFeedbackUsers(datasetID)
	if err != nil {
		h.serverError(w, r, "failed to list feedback users", err, "dataset_id", datasetID)
		return
	}
	out := make([]userRef, 0, len(users))
	for _, u := range users {
		out = append(out, userRef{ID: u.ID, Username: u.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)

	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.failT(w, r, http.StatusOK, "FileTooLarge")
			return
		}
		h.failT(w, r, http.StatusOK, "NoFileUploaded")
		return
	}

	file, header, err := r.FormFile("dataset_file")
	if err != nil {
		h.failT(w, r, http.StatusOK, "NoFileUploaded")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		h.failT(w, r, http.StatusOK, "NoFileSelected")
		return
	}

	name := strings.TrimSpace(r.FormValue("dataset_name"))
	if name == "" {
		h.failT(w, r, http.StatusOK, "DatasetNameRequired")
		return
	}
	var description *string
	if d := strings.TrimSpace(r.FormValue("dataset_description")); d != "" {
		description = &d
	}

	exists, err := h.store.DatasetNameExists(name)
	if err != nil {
		h.serverError(w, r, "failed to check dataset name", err)
		return
	}
	if exists {
		h.failT(w, r, http.StatusOK, "DatasetNameExists")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.serverError(w, r, "failed to read upload", err)
		return
	}

	pairs, err := importer.Parse(header.Filename, data)
	if err != nil {
		var ve *importer.ValidationError
		if errors.As(err, &ve) {
			msg := appI18n.T(ctx, ve.Code)
			if ve.Detail != "" {
				msg += ": " + ve.Detail
			}
			slog.Info("rejected upload", "file", header.Filename, "code", ve.Code)
			jsonFail(w, http.StatusOK, msg)
			return
		}
		h.serverError(w, r, "failed to parse upload", err)
		return
	}

	id, err := h.store.CreateDataset(name, description, pairs, user.ID)
	if errors.Is(err, store.ErrDatasetExists) {
		h.failT(w, r, http.StatusOK, "DatasetNameExists")
		return
	}
	if err != nil {
		h.serverError(w, r, "failed to create dataset", err, "name", name)
		return
	}

	slog.Info("imported dataset", "dataset_id", id, "name", name, "pairs", len(pairs), "user_id", user.ID)
	msg := appI18n.Tp(ctx, "UploadSucceeded", len(pairs), map[string]any{"Name": name})
	jsonOK(w, msg, map[string]any{"dataset_id": id})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.idParam(w, r, "datasetID")
	if !ok || !h.guardDataset(w, r, datasetID) {
		return
	}

	format, opts, err := exporter.ParseQuery(r.URL.Query())
	switch {
	case errors.Is(err, exporter.ErrInvalidFormat):
		h.failT(w, r, http.StatusBadRequest, "InvalidExportFormat")
		return
	case errors.Is(err, exporter.ErrInvalidUserIDs):
		h.failT(w, r, http.StatusBadRequest, "InvalidUserIDs")
		return
	case err != nil:
		h.failT(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	exp, err := h.store.LoadDatasetExport(datasetID)
	if errors.Is(err, store.ErrNotFound) {
		h.failT(w, r, http.StatusNotFound, "DatasetNotFound")
		return
	}
	if err != nil {
		h.serverError(w, r, "failed to load dataset export", err, "dataset_id", datasetID)
		return
	}

	// Buffer so a serialization failure can still become a clean 500.
	var buf bytes.Buffer
	if err := exporter.Write(&buf, format, exp, opts); err != nil {
		h.serverError(w, r, "failed to serialize dataset", err, "dataset_id", datasetID)
		return
	}

	filename := exporter.Filename(exp.Dataset.Name, format)
	w.Header().Set("Content-Type", exporter.ContentType(format))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Warn("failed to write download", "error", err)
	}
}

func (h *Handler) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.idParam(w, r, "datasetID")
	if !ok {
		return
	}
	ds, err := h.store.DeleteDataset(datasetID)
	if errors.Is(err, store.ErrNotFound) {
		h.failT(w, r, http.StatusNotFound, "DatasetNotFound")
		return
	}
	if err != nil {
		h.serverError(w, r, "failed to delete dataset", err, "dataset_id", datasetID)
		return
	}
	slog.Info("deleted dataset", "dataset_id", datasetID, "name", ds.Name)
	jsonOK(w, appI18n.Td(r.Context(), "DatasetDeleted", map[string]any{"Name": ds.Name}), nil)
}

// handleExportData dumps every pair with all feedback for ML pipelines.
func (h *Handler) handleExportData(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ExportPipeline()
	if err != nil {
		h.serverError(w, r, "failed to export data", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
