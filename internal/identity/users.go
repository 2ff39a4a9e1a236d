package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
)

var (
	ErrInviteInvalid = errors.New("invalid invite code")
	ErrUserNotFound  = errors.New("user not found")
)

// createUser adds a user and marks inviteCode as used by them, in one
// transaction. It returns the stored user with its friend code appended to the
// name.
func createUser(ctx context.Context, db *sql.DB, username, hashedPassword, inviteCode string) (*schemas.User, error) {
	user := &schemas.User{Id: uuid.New().String(), CreatedAt: time.Now().UTC()}
	friendCode := newFriendCode()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		"INSERT INTO users (id, username, friend_code, password, created_at) VALUES (?, ?, ?, ?, ?) RETURNING friend_code",
		user.Id, username, friendCode, hashedPassword, user.CreatedAt,
	).Scan(&friendCode)
	if err != nil {
		return nil, fmt.Errorf("error inserting user: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE invite_codes SET registered_user_id = ? WHERE code = ? AND registered_user_id IS NULL",
		user.Id, inviteCode,
	)
	if err != nil {
		return nil, fmt.Errorf("error updating invite code: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrInviteInvalid
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	user.Name = username + friendCode
	user.Password = hashedPassword
	return user, nil
}

func scanUser(row *sql.Row, key string) (*schemas.User, error) {
	var user schemas.User
	var friendCode string
	err := row.Scan(&user.Id, &user.Name, &friendCode, &user.Password, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}
	user.Name += friendCode
	return &user, nil
}

func userByUsername(ctx context.Context, db *sql.DB, username string) (*schemas.User, error) {
	row := db.QueryRowContext(ctx,
		"SELECT id, username, friend_code, password, created_at FROM users WHERE username = ?", username)
	return scanUser(row, username)
}

func userByID(ctx context.Context, db *sql.DB, id string) (*schemas.User, error) {
	row := db.QueryRowContext(ctx,
		"SELECT id, username, friend_code, password, created_at FROM users WHERE id = ?", id)
	return scanUser(row, id)
}

func addInviteCode(ctx context.Context, db *sql.DB, code string) error {
	result, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO invite_codes (id, code) VALUES (?, ?)", uuid.New().String(), code)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("driver does not support RowsAffected")
	}
	if rows == 0 {
		return fmt.Errorf("invite code already exists")
	}
	return nil
}

func validateInviteCode(ctx context.Context, db *sql.DB, code string) error {
	if len(code) != InviteCodeLength {
		return fmt.Errorf("%w: invalid length", ErrInviteInvalid)
	}
	var registeredUserID sql.NullString
	err := db.QueryRowContext(ctx, "SELECT registered_user_id FROM invite_codes WHERE code = ? LIMIT 1", code).Scan(&registeredUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: not found", ErrInviteInvalid)
	}
	if err != nil {
		return err
	}
	// already used by someone to register
	if registeredUserID.Valid {
		return fmt.Errorf("%w: already used", ErrInviteInvalid)
	}
	return nil
}
