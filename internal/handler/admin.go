package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	appI18n "github.com/pavelanni/qafeedback/internal/i18n"
	"github.com/pavelanni/qafeedback/internal/model"
	"github.com/pavelanni/qafeedback/internal/store"
)

type userView struct {
	ID          int64             `json:"id"`
	Username    string            `json:"username"`
	AccessLevel model.AccessLevel `json:"access_level"`
	CreatedAt   string            `json:"created_at,omitempty"`
	HasAccess   *bool             `json:"has_access,omitempty"`
}

func newUserView(u model.User) userView {
	v := userView{ID: u.ID, Username: u.Username, AccessLevel: u.AccessLevel}
	if !u.CreatedAt.IsZero() {
		v.CreatedAt = u.CreatedAt.UTC().Format("2006-01-02T15:04:05")
	}
	return v
}

func userViews(users []model.User) []userView {
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, newUserView(u))
	}
	return out
}

type datasetRef struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

func datasetRefs(datasets []model.Dataset) []datasetRef {
	out := make([]datasetRef, 0, len(datasets))
	for _, d := range datasets {
		out = append(out, datasetRef{ID: d.ID, Name: d.Name, Description: d.Description})
	}
	return out
}

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.store.Totals()
	if err != nil {
		h.serverError(w, r, "failed to count totals", err)
		return
	}
	datasets, err := h.store.ListDatasetStats()
	if err != nil {
		h.serverError(w, r, "failed to list dataset stats", err)
		return
	}
	users, err := h.store.ListUserStats()
	if err != nil {
		h.serverError(w, r, "failed to list user stats", err)
		return
	}
	if datasets == nil {
		datasets = []model.DatasetStats{}
	}
	if users == nil {
		users = []model.UserStats{}
	}
	jsonOK(w, "", map[string]any{
		"total_users":    totals.Users,
		"total_datasets": totals.Datasets,
		"total_qa_pairs": totals.QAPairs,
		"total_feedback": totals.Feedback,
		"dataset_stats":  datasets,
		"user_stats":     users,
	})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		h.serverError(w, r, "failed to list users", err)
		return
	}
	jsonOK(w, "", map[string]any{"users": userViews(users)})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	u, ok := h.loadUser(w, r, id)
	if !ok {
		return
	}
	jsonOK(w, "", map[string]any{"user": newUserView(*u)})
}

type userUpdate struct {
	Username    *string `json:"username" validate:"omitnil,min=1,max=80"`
	AccessLevel *string `json:"access_level" validate:"omitnil,oneof=user admin"`
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}

	var req userUpdate
	if err := decodeJSON(r, &req); err != nil {
		h.failT(w, r, http.StatusOK, "NoData")
		return
	}
	if req.Username != nil {
		trimmed := strings.TrimSpace(*req.Username)
		req.Username = &trimmed
	}
	if err := h.validate.Struct(req); err != nil {
		jsonFail(w, http.StatusOK, appI18n.T(ctx, validationMessage(err)))
		return
	}

	var level *model.AccessLevel
	if req.AccessLevel != nil {
		l := model.AccessLevel(*req.AccessLevel)
		level = &l
	}

	u, err := h.store.UpdateUser(id, req.Username, level)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.failT(w, r, http.StatusNotFound, "UserNotFound")
		return
	case errors.Is(err, store.ErrUsernameTaken):
		h.failT(w, r, http.StatusOK, "UsernameTaken")
		return
	case errors.Is(err, store.ErrLastAdmin):
		h.failT(w, r, http.StatusOK, "LastAdminDemote")
		return
	case err != nil:
		h.serverError(w, r, "failed to update user", err, "user_id", id)
		return
	}
	slog.Info("updated user", "user_id", id, "access_level", u.AccessLevel)
	jsonOK(w, appI18n.T(ctx, "UserUpdated"), map[string]any{"user": newUserView(*u)})
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	err := h.store.DeleteUser(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.failT(w, r, http.StatusNotFound, "UserNotFound")
		return
	case errors.Is(err, store.ErrLastAdmin):
		h.failT(w, r, http.StatusOK, "LastAdmin")
		return
	case err != nil:
		h.serverError(w, r, "failed to delete user", err, "user_id", id)
		return
	}
	jsonOK(w, appI18n.T(r.Context(), "UserDeleted"), nil)
}

func (h *Handler) handleUserDatasets(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	if _, ok := h.loadUser(w, r, id); !ok {
		return
	}
	granted, err := h.store.ListGrantedDatasets(id)
	if err != nil {
		h.serverError(w, r, "failed to list granted datasets", err, "user_id", id)
		return
	}
	available, err := h.store.ListUngrantedDatasets(id)
	if err != nil {
		h.serverError(w, r, "failed to list available datasets", err, "user_id", id)
		return
	}
	jsonOK(w, "", map[string]any{
		"user_datasets":      datasetRefs(granted),
		"available_datasets": datasetRefs(available),
	})
}

// decodeIDList reads {key: [ids...]} from the body. It returns the message
// ID to report when the list is missing or not an array.
func decodeIDList(r *http.Request, key, missingMsg, notArrayMsg string) ([]int64, string) {
	var body map[string]json.RawMessage
	if err := decodeJSON(r, &body); err != nil {
		return nil, missingMsg
	}
	raw, ok := body[key]
	if !ok || string(raw) == "null" {
		return nil, missingMsg
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, notArrayMsg
	}
	return ids, ""
}

func (h *Handler) handleGrantDatasets(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	if _, ok := h.loadUser(w, r, id); !ok {
		return
	}
	ids, msg := decodeIDList(r, "dataset_ids", "DatasetIDsRequired", "DatasetIDsNotArray")
	if msg != "" {
		h.failT(w, r, http.StatusOK, msg)
		return
	}
	added, err := h.store.GrantAccess(id, ids)
	if err != nil {
		h.serverError(w, r, "failed to grant datasets", err, "user_id", id)
		return
	}
	slog.Info("granted datasets", "user_id", id, "added", added)
	jsonOK(w, appI18n.T(r.Context(), "DatasetsGranted"), map[string]any{"added": added})
}

func (h *Handler) handleRevokeDataset(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	datasetID, ok := h.idParam(w, r, "datasetID")
	if !ok {
		return
	}
	if _, ok := h.loadUser(w, r, userID); !ok {
		return
	}
	if _, ok := h.loadDataset(w, r, datasetID); !ok {
		return
	}
	if err := h.store.RevokeAccess(userID, datasetID); err != nil {
		h.serverError(w, r, "failed to revoke access", err, "user_id", userID, "dataset_id", datasetID)
		return
	}
	jsonOK(w, appI18n.T(r.Context(), "DatasetRevoked"), nil)
}

func (h *Handler) handleDatasetUsers(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.idParam(w, r, "datasetID")
	if !ok {
		return
	}
	if _, ok := h.loadDataset(w, r, datasetID); !ok {
		return
	}
	users, err := h.store.ListDatasetUsers(datasetID)
	if err != nil {
		h.serverError(w, r, "failed to list dataset users", err, "dataset_id", datasetID)
		return
	}
	jsonOK(w, "", map[string]any{"users": userViews(users)})
}

func (h *Handler) handleGrantUsers(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.idParam(w, r, "datasetID")
	if !ok {
		return
	}
	if _, ok := h.loadDataset(w, r, datasetID); !ok {
		return
	}
	ids, msg := decodeIDList(r, "user_ids", "UserIDsRequired", "UserIDsNotArray")
	if msg != "" {
		h.failT(w, r, http.StatusOK, msg)
		return
	}
	added, err := h.store.GrantUsers(datasetID, ids)
	if err != nil {
		h.serverError(w, r, "failed to grant users", err, "dataset_id", datasetID)
		return
	}
	slog.Info("granted users", "dataset_id", datasetID, "added", added)
	jsonOK(w, appI18n.T(r.Context(), "UsersGranted"), map[string]any{"added": added})
}

func (h *Handler) handleRevokeUser(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.idParam(w, r, "datasetID")
	if !ok {
		return
	}
	userID, ok := h.idParam(w, r, "userID")
	if !ok {
		return
	}
	if _, ok := h.loadDataset(w, r, datasetID); !ok {
		return
	}
	if _, ok := h.loadUser(w, r, userID); !ok {
		return
	}
	if err := h.store.RevokeAccess(userID, datasetID); err != nil {
		h.serverError(w, r, "failed to revoke access", err, "user_id", userID, "dataset_id", datasetID)
		return
	}
	jsonOK(w, appI18n.T(r.Context(), "UserRevoked"), nil)
}

func (h *Handler) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		h.failT(w, r, http.StatusOK, "SearchTermRequired")
		return
	}

	var granted map[int64]bool
	withAccess := false
	if raw := r.URL.Query().Get("dataset_id"); raw != "" {
		datasetID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.failT(w, r, http.StatusBadRequest, "InvalidID")
			return
		}
		withAccess = true
		granted, err = h.store.GrantedUserIDs(datasetID)
		if err != nil {
			h.serverError(w, r, "failed to list grants", err, "dataset_id", datasetID)
			return
		}
	}

	users, err := h.store.SearchUsers(term)
	if err != nil {
		h.serverError(w, r, "failed to search users", err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		v := userView{ID: u.ID, Username: u.Username, AccessLevel: u.AccessLevel}
		if withAccess {
			has := granted[u.ID]
			v.HasAccess = &has
		}
		out = append(out, v)
	}
	jsonOK(w, "", map[string]any{"users": out})
}
