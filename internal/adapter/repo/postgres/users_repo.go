package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// UserRepo persists operator accounts.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Upsert creates or updates the account keyed by email.
func (r *UserRepo) Upsert(ctx domain.Context, u domain.User) (string, error) {
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO users (id, email, password_hash, name, role, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$6)
	      ON CONFLICT (email) DO UPDATE SET
	        password_hash = CASE WHEN EXCLUDED.password_hash = '' THEN users.password_hash ELSE EXCLUDED.password_hash END,
	        name = EXCLUDED.name,
	        role = EXCLUDED.role,
	        updated_at = EXCLUDED.updated_at
	      RETURNING id`
	var outID string
	if err := r.Pool.QueryRow(ctx, q, id, u.Email, u.PasswordHash, u.Name, u.Role, now).Scan(&outID); err != nil {
		return "", mapPgErr("user.upsert", err)
	}
	return outID, nil
}

// GetByEmail loads an account.
func (r *UserRepo) GetByEmail(ctx domain.Context, email string) (domain.User, error) {
	var u domain.User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, email, password_hash, name, role, created_at, updated_at FROM users WHERE email=$1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, mapPgErr("user.get_by_email", err)
	}
	return u, nil
}
