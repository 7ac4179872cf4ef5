package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/qafeedback/internal/model"
)

const userColumns = `id, username, password_hash, access_level, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.AccessLevel, &u.CreatedAt)
	return u, err
}

// CreateUser inserts a new user with the given access level.
func (s *Store) CreateUser(u model.User) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, access_level, created_at) VALUES (?, ?, ?, ?)`,
		u.Username, u.PasswordHash, u.AccessLevel, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return 0, ErrUsernameTaken
	}
	if err != nil {
		slog.Error("failed to create user", "username", u.Username, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created user", "id", id, "username", u.Username, "access_level", u.AccessLevel)
	return id, nil
}

// RegisterUser creates a user; the very first user becomes an admin.
// The count and the insert share one transaction.
func (s *Store) RegisterUser(username, passwordHash string) (*model.User, error) {
	var u *model.User
	err := s.inTx(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
			return err
		}
		level := model.AccessUser
		if count == 0 {
			level = model.AccessAdmin
		}
		now := time.Now().UTC()
		res, err := tx.Exec(
			`INSERT INTO users (username, password_hash, access_level, created_at) VALUES (?, ?, ?, ?)`,
			username, passwordHash, level, now,
		)
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		u = &model.User{ID: id, Username: username, PasswordHash: passwordHash, AccessLevel: level, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("registered user", "id", u.ID, "username", u.Username, "access_level", u.AccessLevel)
	return u, nil
}

// GetUserByUsername returns a user by username, or nil if absent.
func (s *Store) GetUserByUsername(username string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by ID, or nil if absent.
func (s *Store) GetUserByID(id int64) (*model.User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users, newest first.
func (s *Store) ListUsers() ([]model.User, error) {
	return s.queryUsers(`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC`)
}

// SearchUsers returns users whose username contains term, ignoring case.
func (s *Store) SearchUsers(term string) ([]model.User, error) {
	return s.queryUsers(
		`SELECT `+userColumns+` FROM users WHERE username LIKE ? ESCAPE '\' ORDER BY username`,
		"%"+escapeLike(term)+"%",
	)
}

func (s *Store) queryUsers(query string, args ...any) ([]model.User, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser changes a user's username and/or access level. Nil fields are
// left alone. Demoting the last admin fails with ErrLastAdmin.
func (s *Store) UpdateUser(id int64, username *string, level *model.AccessLevel) (*model.User, error) {
	var updated model.User
	err := s.inTx(func(tx *sql.Tx) error {
		u, err := scanUser(tx.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if username != nil {
			u.Username = *username
		}
		if level != nil && *level != u.AccessLevel {
			if u.AccessLevel == model.AccessAdmin {
				if err := ensureOtherAdmin(tx, id); err != nil {
					return err
				}
			}
			u.AccessLevel = *level
		}
		_, err = tx.Exec(`UPDATE users SET username = ?, access_level = ? WHERE id = ?`, u.Username, u.AccessLevel, id)
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteUser removes a user together with their feedback, grants and
// sessions. The last admin cannot be deleted.
func (s *Store) DeleteUser(id int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		var level model.AccessLevel
		err := tx.QueryRow(`SELECT access_level FROM users WHERE id = ?`, id).Scan(&level)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if level == model.AccessAdmin {
			if err := ensureOtherAdmin(tx, id); err != nil {
				return err
			}
		}
		for _, q := range []string{
			`DELETE FROM feedback WHERE user_id = ?`,
			`DELETE FROM user_dataset_access WHERE user_id = ?`,
			`DELETE FROM auth_sessions WHERE user_id = ?`,
			`DELETE FROM users WHERE id = ?`,
		} {
			if _, err := tx.Exec(q, id); err != nil {
				return fmt.Errorf("delete user %d: %w", id, err)
			}
		}
		slog.Info("deleted user", "id", id)
		return nil
	})
}

func ensureOtherAdmin(tx *sql.Tx, exceptID int64) error {
	var others int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM users WHERE access_level = ? AND id != ?`, model.AccessAdmin, exceptID,
	).Scan(&others)
	if err != nil {
		return err
	}
	if others == 0 {
		return ErrLastAdmin
	}
	return nil
}

// UserCount returns the total number of users.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// ListUserStats returns every user with feedback and grant counts.
func (s *Store) ListUserStats() ([]model.UserStats, error) {
	rows, err := s.db.Query(`
		SELECT u.id, u.username, u.password_hash, u.access_level, u.created_at,
			(SELECT COUNT(*) FROM feedback f WHERE f.user_id = u.id),
			(SELECT COUNT(*) FROM user_dataset_access a WHERE a.user_id = u.id)
		FROM users u ORDER BY u.created_at DESC, u.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stats []model.UserStats
	for rows.Next() {
		var st model.UserStats
		if err := rows.Scan(&st.ID, &st.Username, &st.PasswordHash, &st.AccessLevel, &st.CreatedAt,
			&st.FeedbackCount, &st.DatasetCount); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// escapeLike escapes LIKE wildcards so term matches literally.
func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}
