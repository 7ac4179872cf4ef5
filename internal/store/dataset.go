package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/qafeedback/internal/model"
)

const datasetColumns = `id, name, description, created_at`

func scanDataset(row rowScanner) (model.Dataset, error) {
	var d model.Dataset
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.CreatedAt)
	return d, err
}

// CreateDataset stores a dataset, its Q&A pairs and a grant for ownerID in
// one transaction. ownerID of 0 skips the grant. A taken name yields
// ErrDatasetExists and nothing is written.
func (s *Store) CreateDataset(name string, description *string, pairs []model.NewQAPair, ownerID int64) (int64, error) {
	var datasetID int64
	err := s.inTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM datasets WHERE name = ?`, name).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrDatasetExists
		}

		res, err := tx.Exec(
			`INSERT INTO datasets (name, description, created_at) VALUES (?, ?, ?)`,
			name, description, time.Now().UTC(),
		)
		if isUniqueViolation(err) {
			return ErrDatasetExists
		}
		if err != nil {
			return err
		}
		datasetID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		stmt, err := tx.Prepare(
			`INSERT INTO qa_pairs (dataset_id, question_text, system_answer_text, original_qa_id, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, p := range pairs {
			createdAt := p.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			if _, err := stmt.Exec(datasetID, p.Question, p.Answer, p.OriginalQAID, createdAt.UTC()); err != nil {
				return fmt.Errorf("insert pair %d: %w", i, err)
			}
		}

		if ownerID != 0 {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO user_dataset_access (user_id, dataset_id) VALUES (?, ?)`,
				ownerID, datasetID,
			); err != nil {
				return fmt.Errorf("grant owner: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Info("created dataset", "id", datasetID, "name", name, "pairs", len(pairs), "owner", ownerID)
	return datasetID, nil
}

// GetDataset returns a dataset by ID or ErrNotFound.
func (s *Store) GetDataset(id int64) (model.Dataset, error) {
	d, err := scanDataset(s.db.QueryRow(`SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// GetDatasetByName returns a dataset by its unique name or ErrNotFound.
func (s *Store) GetDatasetByName(name string) (model.Dataset, error) {
	d, err := scanDataset(s.db.QueryRow(`SELECT `+datasetColumns+` FROM datasets WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// DatasetNameExists reports whether a dataset with name exists.
func (s *Store) DatasetNameExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM datasets WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

// ListDatasets returns all datasets ordered by ID.
func (s *Store) ListDatasets() ([]model.Dataset, error) {
	return s.queryDatasets(`SELECT ` + datasetColumns + ` FROM datasets ORDER BY id`)
}

// ListGrantedDatasets returns the datasets explicitly granted to userID.
func (s *Store) ListGrantedDatasets(userID int64) ([]model.Dataset, error) {
	return s.queryDatasets(`
		SELECT d.id, d.name, d.description, d.created_at
		FROM datasets d JOIN user_dataset_access a ON a.dataset_id = d.id
		WHERE a.user_id = ? ORDER BY d.id`, userID)
}

// ListUngrantedDatasets returns the datasets not granted to userID.
func (s *Store) ListUngrantedDatasets(userID int64) ([]model.Dataset, error) {
	return s.queryDatasets(`
		SELECT `+datasetColumns+` FROM datasets
		WHERE id NOT IN (SELECT dataset_id FROM user_dataset_access WHERE user_id = ?)
		ORDER BY id`, userID)
}

func (s *Store) queryDatasets(query string, args ...any) ([]model.Dataset, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var datasets []model.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}

// ListDatasetSummaries returns the datasets visible to u (all of them for
// admins) with counts of u's own feedback.
func (s *Store) ListDatasetSummaries(u *model.User) ([]model.DatasetSummary, error) {
	query := `
		SELECT d.id, d.name, d.description, d.created_at,
			(SELECT COUNT(*) FROM qa_pairs q WHERE q.dataset_id = d.id),
			(SELECT COUNT(*) FROM feedback f JOIN qa_pairs q ON q.id = f.qa_pair_id
				WHERE q.dataset_id = d.id AND f.user_id = ?),
			(SELECT COUNT(DISTINCT f.qa_pair_id) FROM feedback f JOIN qa_pairs q ON q.id = f.qa_pair_id
				WHERE q.dataset_id = d.id AND f.user_id = ?
				AND f.gold_standard_answer IS NOT NULL AND f.gold_standard_answer != '')
		FROM datasets d`
	args := []any{u.ID, u.ID}
	if !u.IsAdmin() {
		query += ` WHERE d.id IN (SELECT dataset_id FROM user_dataset_access WHERE user_id = ?)`
		args = append(args, u.ID)
	}
	query += ` ORDER BY d.id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DatasetSummary
	for rows.Next() {
		var ds model.DatasetSummary
		if err := rows.Scan(&ds.ID, &ds.Name, &ds.Description, &ds.CreatedAt,
			&ds.QACount, &ds.UserFeedbackCount, &ds.UserGoldStandards); err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// ListDatasetStats returns every dataset with pair, feedback and grant counts.
func (s *Store) ListDatasetStats() ([]model.DatasetStats, error) {
	rows, err := s.db.Query(`
		SELECT d.id, d.name, d.description, d.created_at,
			(SELECT COUNT(*) FROM qa_pairs q WHERE q.dataset_id = d.id),
			(SELECT COUNT(*) FROM feedback f JOIN qa_pairs q ON q.id = f.qa_pair_id WHERE q.dataset_id = d.id),
			(SELECT COUNT(*) FROM user_dataset_access a WHERE a.dataset_id = d.id)
		FROM datasets d ORDER BY d.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DatasetStats
	for rows.Next() {
		var st model.DatasetStats
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &st.CreatedAt,
			&st.QACount, &st.FeedbackCount, &st.UserCount); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Totals returns global row counts.
func (s *Store) Totals() (model.Totals, error) {
	var t model.Totals
	err := s.db.QueryRow(`
		SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM datasets),
			(SELECT COUNT(*) FROM qa_pairs), (SELECT COUNT(*) FROM feedback)`,
	).Scan(&t.Users, &t.Datasets, &t.QAPairs, &t.Feedback)
	return t, err
}

// DeleteDataset removes a dataset with its pairs, their feedback and all
// grants in one transaction.
func (s *Store) DeleteDataset(id int64) (model.Dataset, error) {
	var d model.Dataset
	err := s.inTx(func(tx *sql.Tx) error {
		var err error
		d, err = scanDataset(tx.QueryRow(`SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM feedback WHERE qa_pair_id IN (SELECT id FROM qa_pairs WHERE dataset_id = ?)`,
			`DELETE FROM qa_pairs WHERE dataset_id = ?`,
			`DELETE FROM user_dataset_access WHERE dataset_id = ?`,
			`DELETE FROM datasets WHERE id = ?`,
		} {
			if _, err := tx.Exec(q, id); err != nil {
				return fmt.Errorf("delete dataset %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return d, err
	}
	slog.Info("deleted dataset", "id", id, "name", d.Name)
	return d, nil
}
