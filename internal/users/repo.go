package users

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2beens/usermgmt/pkg"
)

// SchemaSQL creates the users table; applied by ops and by the integration tests.
//
//go:embed schema.sql
var SchemaSQL string

const userColumns = `id, username, email, password_hash, profile_picture, is_admin, created_at`

// Repo is the postgres backed credential store. Uniqueness of username and
// email is enforced by the table constraints.
type Repo struct {
	db *pgxpool.Pool
}

func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{
		db: db,
	}
}

func prepareNew(user *User) error {
	if user.Username == "" || user.Email == "" || user.PasswordHash == "" {
		return errors.New("username, email or password hash empty")
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.ProfilePicture == "" {
		user.ProfilePicture = DefaultProfilePicture
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	return nil
}

func (r *Repo) Add(ctx context.Context, user *User) (*User, error) {
	if err := prepareNew(user); err != nil {
		return nil, err
	}

	if _, err := r.db.Exec(
		ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		user.ID, user.Username, user.Email, user.PasswordHash, user.ProfilePicture, user.IsAdmin, user.CreatedAt,
	); err != nil {
		if pkg.IsUniqueViolationError(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

// EnsureAdmin inserts the user unless one with the same username or email
// already exists. It reports whether a row was created.
func (r *Repo) EnsureAdmin(ctx context.Context, admin *User) (bool, error) {
	if err := prepareNew(admin); err != nil {
		return false, err
	}
	admin.IsAdmin = true

	var id uuid.UUID
	err := r.db.QueryRow(
		ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING
			RETURNING id;`,
		admin.ID, admin.Username, admin.Email, admin.PasswordHash, admin.ProfilePicture, admin.IsAdmin, admin.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ensure admin: %w", err)
	}

	return true, nil
}

func (r *Repo) Exists(ctx context.Context, username, email string) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1 OR email = $2);`,
		username, email,
	).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Repo) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.getBy(ctx, `id = $1`, id)
}

func (r *Repo) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getBy(ctx, `email = $1`, email)
}

func (r *Repo) getBy(ctx context.Context, where string, arg any) (*User, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where+`;`,
		arg,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrUserNotFound
	}

	return scanUser(rows)
}

func (r *Repo) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at, username;`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

func (r *Repo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ToggleAdmin flips the admin flag in a single statement and returns the new value.
func (r *Repo) ToggleAdmin(ctx context.Context, id uuid.UUID) (bool, error) {
	var isAdmin bool
	err := r.db.QueryRow(
		ctx,
		`UPDATE users SET is_admin = NOT is_admin WHERE id = $1 RETURNING is_admin;`,
		id,
	).Scan(&isAdmin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, err
	}
	return isAdmin, nil
}

func (r *Repo) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	if passwordHash == "" {
		return errors.New("password hash empty")
	}
	tag, err := r.db.Exec(
		ctx,
		`UPDATE users SET password_hash = $1 WHERE username = $2;`,
		passwordHash, username,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *Repo) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.ProfilePicture,
		&u.IsAdmin,
		&u.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
