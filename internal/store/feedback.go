package store

import (
	"time"

	"github.com/pavelanni/qafeedback/internal/model"
)

const feedbackColumns = `f.id, f.qa_pair_id, f.user_id, COALESCE(u.username, ''), f.text_feedback,
	f.accuracy_score, f.completeness_score, f.clarity_score, f.clinical_relevance_score,
	f.gold_standard_answer, f.submitted_at`

const feedbackFrom = ` FROM feedback f LEFT JOIN users u ON u.id = f.user_id`

func scanFeedback(row rowScanner) (model.Feedback, error) {
	var f model.Feedback
	err := row.Scan(&f.ID, &f.QAPairID, &f.UserID, &f.Username, &f.TextFeedback,
		&f.Accuracy, &f.Completeness, &f.Clarity, &f.ClinicalRelevance,
		&f.GoldStandardAnswer, &f.SubmittedAt)
	return f, err
}

// UpsertFeedback writes the scored/text part of userID's feedback on a pair.
// An existing gold standard answer on the row is preserved.
func (s *Store) UpsertFeedback(in model.FeedbackInput) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO feedback (qa_pair_id, user_id, text_feedback,
			accuracy_score, completeness_score, clarity_score, clinical_relevance_score, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(qa_pair_id, user_id) DO UPDATE SET
			text_feedback = excluded.text_feedback,
			accuracy_score = excluded.accuracy_score,
			completeness_score = excluded.completeness_score,
			clarity_score = excluded.clarity_score,
			clinical_relevance_score = excluded.clinical_relevance_score,
			submitted_at = excluded.submitted_at
		RETURNING id`,
		in.QAPairID, in.UserID, in.TextFeedback,
		in.Scores.Accuracy, in.Scores.Completeness, in.Scores.Clarity, in.Scores.ClinicalRelevance,
		time.Now().UTC(),
	).Scan(&id)
	return id, err
}

// SaveGoldStandard writes userID's gold standard answer for a pair, leaving
// scores and text feedback on the row untouched.
func (s *Store) SaveGoldStandard(qaPairID, userID int64, answer string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO feedback (qa_pair_id, user_id, gold_standard_answer, submitted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(qa_pair_id, user_id) DO UPDATE SET
			gold_standard_answer = excluded.gold_standard_answer
		RETURNING id`,
		qaPairID, userID, answer, time.Now().UTC(),
	).Scan(&id)
	return id, err
}

// GetUserFeedback returns userID's feedback on a pair, newest first.
func (s *Store) GetUserFeedback(qaPairID, userID int64) ([]model.Feedback, error) {
	return s.queryFeedback(`SELECT `+feedbackColumns+feedbackFrom+`
		WHERE f.qa_pair_id = ? AND f.user_id = ? ORDER BY f.submitted_at DESC, f.id DESC`, qaPairID, userID)
}

// ListDatasetFeedback returns all feedback on a dataset's pairs, grouped by
// pair ID.
func (s *Store) ListDatasetFeedback(datasetID int64) (map[int64][]model.Feedback, error) {
	all, err := s.queryFeedback(`SELECT `+feedbackColumns+feedbackFrom+`
		JOIN qa_pairs q ON q.id = f.qa_pair_id
		WHERE q.dataset_id = ? ORDER BY f.id`, datasetID)
	if err != nil {
		return nil, err
	}
	byPair := make(map[int64][]model.Feedback)
	for _, f := range all {
		byPair[f.QAPairID] = append(byPair[f.QAPairID], f)
	}
	return byPair, nil
}

// ListFeedbackUsers returns the users who left feedback on a dataset.
func (s *Store) ListFeedbackUsers(datasetID int64) ([]model.User, error) {
	return s.queryUsers(`
		SELECT u.id, u.username, u.password_hash, u.access_level, u.created_at
		FROM users u WHERE u.id IN (
			SELECT DISTINCT f.user_id FROM feedback f JOIN qa_pairs q ON q.id = f.qa_pair_id
			WHERE q.dataset_id = ? AND f.user_id IS NOT NULL)
		ORDER BY u.username`, datasetID)
}

func (s *Store) queryFeedback(query string, args ...any) ([]model.Feedback, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
