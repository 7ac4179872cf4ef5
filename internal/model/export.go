package model

import "time"

// ExportFormat is the serialization of a dataset download.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// ExportOptions selects what a dataset export contains.
type ExportOptions struct {
	IncludeGoldStandards bool
	IncludeScores        bool
	IncludeTextFeedback  bool
	// UserIDs restricts feedback to these users. Nil means every user.
	UserIDs []int64
}

// IncludesFeedback reports whether any feedback column was requested.
func (o ExportOptions) IncludesFeedback() bool {
	return o.IncludeGoldStandards || o.IncludeScores || o.IncludeTextFeedback
}

// AllowsUser reports whether feedback from userID passes the user filter.
func (o ExportOptions) AllowsUser(userID *int64) bool {
	if o.UserIDs == nil {
		return true
	}
	if userID == nil {
		return false
	}
	for _, id := range o.UserIDs {
		if id == *userID {
			return true
		}
	}
	return false
}

// DatasetExport is everything needed to serialize one dataset.
type DatasetExport struct {
	Dataset Dataset
	Pairs   []PairWithFeedback
}

// PairWithFeedback is a Q&A pair and all feedback recorded against it.
type PairWithFeedback struct {
	Pair     QAPair
	Feedback []Feedback
}

// PipelineRecord is one entry of the full feedback dump used by ML pipelines.
type PipelineRecord struct {
	ID           int64              `json:"id"`
	DatasetID    int64              `json:"dataset_id"`
	Question     string             `json:"question"`
	SystemAnswer string             `json:"system_answer"`
	Feedback     []PipelineFeedback `json:"feedback"`
}

// PipelineFeedback is a feedback row in the full dump. Nulls are kept.
type PipelineFeedback struct {
	TextFeedback           *string   `json:"text_feedback"`
	AccuracyScore          *int      `json:"accuracy_score"`
	CompletenessScore      *int      `json:"completeness_score"`
	ClarityScore           *int      `json:"clarity_score"`
	ClinicalRelevanceScore *int      `json:"clinical_relevance_score"`
	GoldStandardAnswer     *string   `json:"gold_standard_answer"`
	SubmittedAt            time.Time `json:"submitted_at"`
}
