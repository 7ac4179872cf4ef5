package store

import (
	"database/sql"

	"github.com/pavelanni/qafeedback/internal/model"
)

// HasGrant reports whether an explicit (user, dataset) grant exists.
func (s *Store) HasGrant(userID, datasetID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM user_dataset_access WHERE user_id = ? AND dataset_id = ?`, userID, datasetID,
	).Scan(&n)
	return n > 0, err
}

// GrantAccess grants userID every dataset in datasetIDs. Unknown datasets
// and existing grants are skipped. It returns how many grants were added.
func (s *Store) GrantAccess(userID int64, datasetIDs []int64) (int, error) {
	added := 0
	err := s.inTx(func(tx *sql.Tx) error {
		added = 0
		for _, did := range datasetIDs {
			res, err := tx.Exec(
				`INSERT OR IGNORE INTO user_dataset_access (user_id, dataset_id)
				 SELECT ?, id FROM datasets WHERE id = ?`,
				userID, did,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			added += int(n)
		}
		return nil
	})
	return added, err
}

// GrantUsers grants every user in userIDs access to datasetID. Unknown users
// and existing grants are skipped.
func (s *Store) GrantUsers(datasetID int64, userIDs []int64) (int, error) {
	added := 0
	err := s.inTx(func(tx *sql.Tx) error {
		added = 0
		for _, uid := range userIDs {
			res, err := tx.Exec(
				`INSERT OR IGNORE INTO user_dataset_access (user_id, dataset_id)
				 SELECT id, ? FROM users WHERE id = ?`,
				datasetID, uid,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			added += int(n)
		}
		return nil
	})
	return added, err
}

// RevokeAccess removes a grant. Removing a missing grant is not an error.
func (s *Store) RevokeAccess(userID, datasetID int64) error {
	_, err := s.db.Exec(
		`DELETE FROM user_dataset_access WHERE user_id = ? AND dataset_id = ?`, userID, datasetID,
	)
	return err
}

// ListDatasetUsers returns the users explicitly granted datasetID.
func (s *Store) ListDatasetUsers(datasetID int64) ([]model.User, error) {
	return s.queryUsers(`
		SELECT u.id, u.username, u.password_hash, u.access_level, u.created_at
		FROM users u JOIN user_dataset_access a ON a.user_id = u.id
		WHERE a.dataset_id = ? ORDER BY u.username`, datasetID)
}

// GrantedUserIDs returns the set of users explicitly granted datasetID.
func (s *Store) GrantedUserIDs(datasetID int64) (map[int64]bool, error) {
	rows, err := s.db.Query(`SELECT user_id FROM user_dataset_access WHERE dataset_id = ?`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
