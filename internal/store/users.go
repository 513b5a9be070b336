package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const selectUserQuery = `
	SELECT id, email, name, role, COALESCE(address, ''), created_at, updated_at, version
	FROM users`

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.Address,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// RegisterUser creates an account with a bcrypt password hash. A duplicate
// email surfaces as ErrEmailTaken.
func RegisterUser(ctx context.Context, db *sql.DB, email, name, password string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := scanUser(db.QueryRowContext(ctx,
		`INSERT INTO users (email, name, password_hash, role, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
		 RETURNING id, email, name, role, COALESCE(address, ''), created_at, updated_at, version`,
		email, name, string(hash), models.RoleUser))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, database.ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// AuthenticateUser checks the credentials and returns the account. Wrong
// email and wrong password are indistinguishable to the caller.
func AuthenticateUser(ctx context.Context, db *sql.DB, email, password string) (*models.User, error) {
	user := &models.User{}
	var hash string

	err := db.QueryRowContext(ctx,
		`SELECT id, email, name, role, COALESCE(address, ''), password_hash, created_at, updated_at, version
		 FROM users
		 WHERE email = $1`,
		email).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.Address,
		&hash,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, database.ErrInvalidCredentials
	}

	return user, nil
}

func GetUser(ctx context.Context, db *sql.DB, id int64) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, selectUserQuery+` WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// UpdateUserProfile updates the fields a user may edit about themselves.
func UpdateUserProfile(ctx context.Context, db *sql.DB, id int64, name, address string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx,
		`UPDATE users
		 SET name = $1, address = $2, updated_at = NOW(), version = version + 1
		 WHERE id = $3
		 RETURNING id, email, name, role, COALESCE(address, ''), created_at, updated_at, version`,
		name, address, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// SetUserRole is the admin console's role switch.
func SetUserRole(ctx context.Context, db *sql.DB, id int64, role string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx,
		`UPDATE users
		 SET role = $1, updated_at = NOW(), version = version + 1
		 WHERE id = $2
		 RETURNING id, email, name, role, COALESCE(address, ''), created_at, updated_at, version`,
		role, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("set user role: %w", err)
	}
	return user, nil
}

func DeleteUser(ctx context.Context, db *sql.DB, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrUserNotFound
	}

	return nil
}

func ListUsers(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := db.QueryContext(ctx,
		selectUserQuery+`
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      users,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}
