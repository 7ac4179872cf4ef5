package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/qafeedback/internal/i18n"
	"github.com/pavelanni/qafeedback/internal/model"
	"github.com/pavelanni/qafeedback/internal/store"
)

const testCSRF = "test-csrf-token"

const ds1 = `[{"question":"What is 2+2?","answer":"4"},{"question":"Capital of France?","answer":"Paris","id":"ext-2"}]`

type testEnv struct {
	t      *testing.T
	store  *store.Store
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h, err := New(s, model.ServerConfig{MaxUploadBytes: 1 << 20})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	return &testEnv{t: t, store: s, router: r}
}

// addUser creates a user and returns its ID and a live session token.
func (e *testEnv) addUser(username string, level model.AccessLevel) (int64, string) {
	e.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(e.t, err)
	id, err := e.store.CreateUser(model.User{Username: username, PasswordHash: string(hash), AccessLevel: level})
	require.NoError(e.t, err)
	token, err := e.store.CreateAuthSession(id)
	require.NoError(e.t, err)
	return id, token
}

// do sends a request with the session cookie and, for unsafe methods, a
// matching CSRF cookie and header.
func (e *testEnv) do(method, path, session, contentType string, body io.Reader) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if session != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: session})
	}
	if method != http.MethodGet && method != http.MethodHead {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testCSRF})
		req.Header.Set(csrfHeaderName, testCSRF)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(path, session string, v any) *httptest.ResponseRecorder {
	e.t.Helper()
	b, err := json.Marshal(v)
	require.NoError(e.t, err)
	return e.do(http.MethodPost, path, session, "application/json", bytes.NewReader(b))
}

func (e *testEnv) upload(session, filename, name, content string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(e.t, mw.WriteField("dataset_name", name))
	fw, err := mw.CreateFormFile("dataset_file", filename)
	require.NoError(e.t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(e.t, err)
	require.NoError(e.t, mw.Close())
	return e.do(http.MethodPost, "/api/upload_dataset", session, mw.FormDataContentType(), &buf)
}

func attachmentName(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	disposition, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	return params["filename"]
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestUploadDataset(t *testing.T) {
	env := newTestEnv(t)
	_, admin := env.addUser("admin", model.AccessAdmin)

	rec := env.upload(admin, "ds1.json", "DS1", ds1)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, `Dataset "DS1" uploaded successfully with 2 Q&A pairs`, body["message"])

	id := int64(body["dataset_id"].(float64))
	pairs, err := env.store.ListQAPairs(id)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	rec = env.upload(admin, "ds1.json", "DS1", ds1)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Dataset name already exists", body["message"])
}

func TestUploadRejectsInvalidFiles(t *testing.T) {
	env := newTestEnv(t)
	_, admin := env.addUser("admin", model.AccessAdmin)

	tests := []struct {
		name     string
		filename string
		content  string
		prefix   string
	}{
		{"broken json", "bad.json", `[{"question":`, "Invalid JSON format: "},
		{"not an array", "obj.json", `{"question":"Q","answer":"A"}`, "JSON must be an array of objects"},
		{"unsupported extension", "data.txt", "question,answer\nQ,A\n", "Only JSON and CSV files are supported"},
		{"missing columns", "data.csv", "q,a\nQ,A\n", `CSV must have "question" and "answer" columns`},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.upload(admin, tt.filename, fmt.Sprintf("DS%d", i), tt.content)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.True(t, strings.HasPrefix(body["message"].(string), tt.prefix), body["message"])
		})
	}

	datasets, err := env.store.ListDatasets()
	require.NoError(t, err)
	assert.Empty(t, datasets, "failed uploads leave nothing behind")
}

func TestDownloadRequiresGrant(t *testing.T) {
	env := newTestEnv(t)
	adminID, admin := env.addUser("admin", model.AccessAdmin)
	userID, user := env.addUser("alice", model.AccessUser)

	pairs := []model.NewQAPair{{Question: "Q1", Answer: "A1"}}
	dsID, err := env.store.CreateDataset("DS1", nil, pairs, adminID)
	require.NoError(t, err)
	path := fmt.Sprintf("/api/download_dataset/%d", dsID)

	rec := env.do(http.MethodGet, path, user, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, path, admin, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DS1_feedback.json", attachmentName(t, rec))

	_, err = env.store.GrantAccess(userID, []int64{dsID})
	require.NoError(t, err)

	rec = env.do(http.MethodGet, path+"?format=csv", user, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "id,question,answer,created_at\n"))

	rec = env.do(http.MethodGet, path+"?format=xml", user, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, path+"?user_ids=1,x", user, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/download_dataset/999", admin, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadNonASCIIName(t *testing.T) {
	env := newTestEnv(t)
	adminID, admin := env.addUser("admin", model.AccessAdmin)

	dsID, err := env.store.CreateDataset("Данные", nil, []model.NewQAPair{{Question: "Q1", Answer: "A1"}}, adminID)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, fmt.Sprintf("/api/download_dataset/%d", dsID), admin, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	header := rec.Header().Get("Content-Disposition")
	for _, b := range []byte(header) {
		require.Less(t, b, byte(0x80), "header must be ASCII: %q", header)
	}
	assert.Equal(t, "Данные_feedback.json", attachmentName(t, rec))
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/datasets", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/datasets", "bogus-session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/submit_feedback/1", "", "application/x-www-form-urlencoded", strings.NewReader(""))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login?next=%2Fsubmit_feedback%2F1", rec.Header().Get("Location"))
}

func TestCSRF(t *testing.T) {
	env := newTestEnv(t)
	_, user := env.addUser("alice", model.AccessUser)

	rec := env.do(http.MethodGet, "/api/datasets", user, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var issued bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrfCookieName && c.Value != "" {
			issued = true
		}
	}
	assert.True(t, issued, "GET issues a CSRF cookie")

	req := httptest.NewRequest(http.MethodPost, "/api/submit_feedback", strings.NewReader(`{"qa_id":1}`))
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: user})
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/submit_feedback", strings.NewReader(`{"qa_id":1}`))
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: user})
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testCSRF})
	req.Header.Set(csrfHeaderName, "something-else")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("alice", model.AccessUser)

	form := url.Values{"username": {"alice"}, "password": {"secret"}, "next": {"/dataset/1"}}
	rec := env.do(http.MethodPost, "/login", "", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/dataset/1", rec.Header().Get("Location"))

	var session string
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			session = c.Value
		}
	}
	require.NotEmpty(t, session)
	rec = env.do(http.MethodGet, "/api/datasets", session, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	form.Set("password", "wrong")
	rec = env.do(http.MethodPost, "/login", "", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	for _, c := range rec.Result().Cookies() {
		assert.NotEqual(t, sessionCookieName, c.Name)
	}
}

func TestSafeNext(t *testing.T) {
	tests := map[string]string{
		"":                     "/",
		"/dataset/3":           "/dataset/3",
		"//evil.example":       "/",
		"https://evil.example": "/",
		"/\\evil.example":      "/",
		"relative":             "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeNext(in), in)
	}
}

func TestSubmitFeedbackPreservesGoldStandard(t *testing.T) {
	env := newTestEnv(t)
	userID, user := env.addUser("alice", model.AccessUser)

	dsID, err := env.store.CreateDataset("DS1", nil, []model.NewQAPair{{Question: "Q1", Answer: "A1"}}, userID)
	require.NoError(t, err)
	pairs, err := env.store.ListQAPairs(dsID)
	require.NoError(t, err)
	qaID := pairs[0].ID

	rec := env.postJSON("/api/save_gold_standard", user, map[string]any{"qa_id": qaID, "gold_standard_answer": "Better A1"})
	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"], body["message"])

	rec = env.postJSON("/api/submit_feedback", user, map[string]any{
		"qa_id":          fmt.Sprint(qaID),
		"text_feedback":  "fine",
		"accuracy_score": "4",
		"clarity_score":  "",
	})
	body = decodeBody(t, rec)
	require.Equal(t, true, body["success"], body["message"])

	feedback, err := env.store.GetUserFeedback(qaID, userID)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	f := feedback[0]
	require.NotNil(t, f.GoldStandardAnswer)
	assert.Equal(t, "Better A1", *f.GoldStandardAnswer)
	require.NotNil(t, f.Accuracy)
	assert.Equal(t, 4, *f.Accuracy)
	assert.Nil(t, f.Clarity)
	assert.Equal(t, "fine", *f.TextFeedback)
}

func TestSubmitFeedbackValidation(t *testing.T) {
	env := newTestEnv(t)
	ownerID, _ := env.addUser("admin", model.AccessAdmin)
	_, user := env.addUser("alice", model.AccessUser)

	dsID, err := env.store.CreateDataset("DS1", nil, []model.NewQAPair{{Question: "Q1", Answer: "A1"}}, ownerID)
	require.NoError(t, err)
	pairs, err := env.store.ListQAPairs(dsID)
	require.NoError(t, err)
	qaID := pairs[0].ID

	tests := []struct {
		name    string
		payload map[string]any
		status  int
		message string
	}{
		{"missing qa id", map[string]any{"accuracy_score": 3}, http.StatusOK, "Missing Q&A ID"},
		{"score too high", map[string]any{"qa_id": qaID, "accuracy_score": 6}, http.StatusOK, "Scores must be whole numbers from 1 to 5"},
		{"score not a number", map[string]any{"qa_id": qaID, "clarity_score": "abc"}, http.StatusOK, "Scores must be whole numbers from 1 to 5"},
		{"unknown pair", map[string]any{"qa_id": 999}, http.StatusOK, "Q&A pair not found"},
		{"no grant", map[string]any{"qa_id": qaID, "accuracy_score": 3}, http.StatusForbidden, "Access denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postJSON("/api/submit_feedback", user, tt.payload)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.message, body["message"])
		})
	}

	rec := env.postJSON("/api/save_gold_standard", user, map[string]any{"qa_id": qaID, "gold_standard_answer": "   "})
	assert.Equal(t, "Gold standard answer cannot be empty", decodeBody(t, rec)["message"])
}

func TestParseFlexInt(t *testing.T) {
	tests := []struct {
		in      string
		want    *int64
		wantErr bool
	}{
		{"", nil, false},
		{"  ", nil, false},
		{"4", ptr(int64(4)), false},
		{"-2", ptr(int64(-2)), false},
		{"3.0", ptr(int64(3)), false},
		{"3.5", nil, true},
		{"abc", nil, true},
		{"2147483648", nil, true},
		{"-2147483649", nil, true},
		{"1e12", nil, true},
		{"-1e12", nil, true},
		{"99999999999999999999", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseFlexInt(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errNotInteger)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubmitFeedbackRejectsHugeScores(t *testing.T) {
	env := newTestEnv(t)
	userID, user := env.addUser("alice", model.AccessUser)

	dsID, err := env.store.CreateDataset("DS1", nil, []model.NewQAPair{{Question: "Q1", Answer: "A1"}}, userID)
	require.NoError(t, err)
	pairs, err := env.store.ListQAPairs(dsID)
	require.NoError(t, err)

	for _, score := range []any{-4294967295, "-4294967295", 1e12} {
		rec := env.postJSON("/api/submit_feedback", user, map[string]any{"qa_id": pairs[0].ID, "accuracy_score": score})
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["success"], score)
		assert.Equal(t, "Scores must be whole numbers from 1 to 5", body["message"], score)
	}
	feedback, err := env.store.GetUserFeedback(pairs[0].ID, userID)
	require.NoError(t, err)
	assert.Empty(t, feedback)
}

func ptr[T any](v T) *T { return &v }

func TestSubmitFeedbackForm(t *testing.T) {
	env := newTestEnv(t)
	userID, user := env.addUser("alice", model.AccessUser)

	dsID, err := env.store.CreateDataset("DS1", nil, []model.NewQAPair{{Question: "Q1", Answer: "A1"}}, userID)
	require.NoError(t, err)
	pairs, err := env.store.ListQAPairs(dsID)
	require.NoError(t, err)
	qaID := pairs[0].ID

	form := url.Values{"accuracy_score": {"5"}, "gold_standard_answer": {"Gold"}}
	rec := env.do(http.MethodPost, fmt.Sprintf("/submit_feedback/%d", qaID), user,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, fmt.Sprintf("/qa/%d", qaID), rec.Header().Get("Location"))

	feedback, err := env.store.GetUserFeedback(qaID, userID)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, 5, *feedback[0].Accuracy)
	assert.Equal(t, "Gold", *feedback[0].GoldStandardAnswer)
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	adminID, admin := env.addUser("admin", model.AccessAdmin)
	userID, user := env.addUser("alice", model.AccessUser)

	for _, path := range []string{"/api/admin/stats", "/api/admin/users", "/api/export_data", "/api/admin/users/search?q=a"} {
		rec := env.do(http.MethodGet, path, user, "", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	rec := env.do(http.MethodGet, "/api/admin/stats", admin, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["total_users"])

	rec = env.do(http.MethodGet, "/api/admin/users", admin, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["users"], 2)

	dsID, err := env.store.CreateDataset("DS1", nil, []model.NewQAPair{{Question: "Q1", Answer: "A1"}}, adminID)
	require.NoError(t, err)

	rec = env.postJSON(fmt.Sprintf("/api/admin/user/%d/datasets", userID), admin, map[string]any{"dataset_ids": []int64{dsID}})
	body = decodeBody(t, rec)
	require.Equal(t, true, body["success"], body["message"])
	assert.EqualValues(t, 1, body["added"])

	rec = env.postJSON(fmt.Sprintf("/api/admin/user/%d/datasets", userID), admin, map[string]any{"dataset_ids": "1"})
	assert.Equal(t, "Dataset IDs must be an array", decodeBody(t, rec)["message"])

	rec = env.do(http.MethodGet, fmt.Sprintf("/api/admin/users/search?q=ali&dataset_id=%d", dsID), admin, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeBody(t, rec)["users"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, true, users[0].(map[string]any)["has_access"])

	rec = env.do(http.MethodDelete, fmt.Sprintf("/api/admin/dataset/%d/users/%d", dsID, userID), admin, "", nil)
	assert.Equal(t, true, decodeBody(t, rec)["success"])
	ok, err := env.store.HasGrant(userID, dsID)
	require.NoError(t, err)
	assert.False(t, ok)

	rec = env.do(http.MethodDelete, fmt.Sprintf("/api/admin/user/%d", adminID), admin, "", nil)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Cannot delete the last admin user", body["message"])

	rec = env.do(http.MethodPut, fmt.Sprintf("/api/admin/user/%d", userID), admin, "application/json",
		strings.NewReader(`{"access_level":"root"}`))
	assert.Equal(t, "Invalid access level", decodeBody(t, rec)["message"])

	rec = env.do(http.MethodDelete, fmt.Sprintf("/api/delete_dataset/%d", dsID), admin, "", nil)
	assert.Equal(t, `Dataset "DS1" deleted successfully`, decodeBody(t, rec)["message"])
}

func TestFlash(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"username": {"nobody"}, "password": {"x"}}
	rec := env.do(http.MethodPost, "/login", "", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	var flash *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == flashCookieName {
			flash = c
		}
	}
	require.NotNil(t, flash)

	req := httptest.NewRequest(http.MethodGet, "/api/flash", nil)
	req.AddCookie(flash)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decodeBody(t, rec)["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "Invalid username or password", messages[0].(map[string]any)["message"])
}
