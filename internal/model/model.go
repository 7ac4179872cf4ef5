package model

import (
	"context"
	"time"
)

// AccessLevel represents a user's access level.
type AccessLevel string

const (
	// AccessUser is a regular annotator.
	AccessUser AccessLevel = "user"
	// AccessAdmin can see every dataset and manage users and grants.
	AccessAdmin AccessLevel = "admin"
)

// Valid reports whether l is a known access level.
func (l AccessLevel) Valid() bool {
	return l == AccessUser || l == AccessAdmin
}

// User represents a system user.
type User struct {
	ID           int64       `json:"id"`
	Username     string      `json:"username"`
	PasswordHash string      `json:"-"`
	AccessLevel  AccessLevel `json:"access_level"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IsAdmin reports whether the user bypasses dataset grants.
func (u *User) IsAdmin() bool {
	return u != nil && u.AccessLevel == AccessAdmin
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Dataset is a named, access-controlled collection of Q&A pairs.
type Dataset struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// QAPair is a machine-generated answer to a question, awaiting review.
type QAPair struct {
	ID           int64     `json:"id"`
	DatasetID    int64     `json:"dataset_id"`
	Question     string    `json:"question_text"`
	Answer       string    `json:"system_answer_text"`
	OriginalQAID *string   `json:"original_qa_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Scores holds the four optional 1-5 ratings of an answer.
type Scores struct {
	Accuracy          *int `json:"accuracy_score" validate:"omitempty,min=1,max=5"`
	Completeness      *int `json:"completeness_score" validate:"omitempty,min=1,max=5"`
	Clarity           *int `json:"clarity_score" validate:"omitempty,min=1,max=5"`
	ClinicalRelevance *int `json:"clinical_relevance_score" validate:"omitempty,min=1,max=5"`
}

// Feedback is one annotator's review of a Q&A pair. Scored/text fields and
// the gold standard answer are written by separate operations.
type Feedback struct {
	ID                 int64     `json:"id"`
	QAPairID           int64     `json:"qa_pair_id"`
	UserID             *int64    `json:"user_id"`
	Username           string    `json:"-"`
	TextFeedback       *string   `json:"text_feedback"`
	Scores                       // flattened into the JSON object
	GoldStandardAnswer *string   `json:"gold_standard_answer"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

// FeedbackInput is the scored/text part of a feedback submission.
type FeedbackInput struct {
	QAPairID     int64
	UserID       int64
	TextFeedback *string
	Scores       Scores
}

// NewQAPair is a normalized Q&A record produced by an import.
type NewQAPair struct {
	Question     string
	Answer       string
	OriginalQAID *string
	CreatedAt    time.Time
}

// DatasetSummary is a dataset with counts as seen by one user.
type DatasetSummary struct {
	Dataset
	QACount           int `json:"qa_count"`
	UserFeedbackCount int `json:"user_feedback_count"`
	UserGoldStandards int `json:"user_gold_standards"`
}

// QAPairSummary is a Q&A pair with the viewing user's feedback state.
type QAPairSummary struct {
	QAPair
	FeedbackCount   int  `json:"feedback_count"`
	HasGoldStandard bool `json:"has_gold_standard"`
}

// DatasetStats holds admin dashboard counts for a dataset.
type DatasetStats struct {
	Dataset
	QACount       int `json:"qa_count"`
	FeedbackCount int `json:"feedback_count"`
	UserCount     int `json:"user_count"`
}

// UserStats holds admin dashboard counts for a user.
type UserStats struct {
	User
	FeedbackCount int `json:"feedback_count"`
	DatasetCount  int `json:"dataset_count"`
}

// Totals holds global row counts.
type Totals struct {
	Users    int `json:"total_users"`
	Datasets int `json:"total_datasets"`
	QAPairs  int `json:"total_qa_pairs"`
	Feedback int `json:"total_feedback"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	SecureCookies  bool  // Set Secure flag on cookies (disable for local dev)
	MaxUploadBytes int64 // Upper bound for dataset uploads
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}
