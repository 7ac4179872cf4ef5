package store

import (
	"database/sql"

	"github.com/pavelanni/qafeedback/internal/model"
)

const qaColumns = `id, dataset_id, question_text, system_answer_text, original_qa_id, created_at`

func scanQAPair(row rowScanner) (model.QAPair, error) {
	var q model.QAPair
	err := row.Scan(&q.ID, &q.DatasetID, &q.Question, &q.Answer, &q.OriginalQAID, &q.CreatedAt)
	return q, err
}

// GetQAPair returns a Q&A pair by ID or ErrNotFound.
func (s *Store) GetQAPair(id int64) (model.QAPair, error) {
	q, err := scanQAPair(s.db.QueryRow(`SELECT `+qaColumns+` FROM qa_pairs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

// ListQAPairs returns a dataset's pairs in insertion order.
func (s *Store) ListQAPairs(datasetID int64) ([]model.QAPair, error) {
	rows, err := s.db.Query(`SELECT `+qaColumns+` FROM qa_pairs WHERE dataset_id = ? ORDER BY id`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pairs []model.QAPair
	for rows.Next() {
		q, err := scanQAPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, q)
	}
	return pairs, rows.Err()
}

// ListQAPairSummaries returns a dataset's pairs newest first, annotated with
// userID's feedback count and gold standard state.
func (s *Store) ListQAPairSummaries(datasetID, userID int64) ([]model.QAPairSummary, error) {
	rows, err := s.db.Query(`
		SELECT q.id, q.dataset_id, q.question_text, q.system_answer_text, q.original_qa_id, q.created_at,
			(SELECT COUNT(*) FROM feedback f WHERE f.qa_pair_id = q.id AND f.user_id = ?),
			EXISTS (SELECT 1 FROM feedback f WHERE f.qa_pair_id = q.id AND f.user_id = ?
				AND f.gold_standard_answer IS NOT NULL AND f.gold_standard_answer != '')
		FROM qa_pairs q WHERE q.dataset_id = ?
		ORDER BY q.created_at DESC, q.id DESC`, userID, userID, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.QAPairSummary
	for rows.Next() {
		var qs model.QAPairSummary
		if err := rows.Scan(&qs.ID, &qs.DatasetID, &qs.Question, &qs.Answer, &qs.OriginalQAID, &qs.CreatedAt,
			&qs.FeedbackCount, &qs.HasGoldStandard); err != nil {
			return nil, err
		}
		out = append(out, qs)
	}
	return out, rows.Err()
}
