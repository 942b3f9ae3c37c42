package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/metacog-lab/backend/internal/models"
)

var (
	ErrEmailTaken  = errors.New("email already registered")
	ErrHandleTaken = errors.New("handle already taken")
	ErrNotFound    = errors.New("experimenter not found")
)

// Repository persists experimenter accounts.
type Repository interface {
	Create(ctx context.Context, e *models.Experimenter) error
	ByEmail(ctx context.Context, email string) (*models.Experimenter, error)
	ByID(ctx context.Context, id int64) (*models.Experimenter, error)
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts e and fills its id and timestamps. e.Password must already
// be hashed.
func (s *Store) Create(ctx context.Context, e *models.Experimenter) error {
	now := time.Now()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO experimenters (email, name, handle, password, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		e.Email, e.Name, e.Handle, e.Password, now, now,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == "experimenters_handle_key" {
			return ErrHandleTaken
		}
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create experimenter: %w", err)
	}
	return nil
}

func (s *Store) ByEmail(ctx context.Context, email string) (*models.Experimenter, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, handle, password, created_at, updated_at FROM experimenters WHERE email = $1`,
		email,
	))
}

func (s *Store) ByID(ctx context.Context, id int64) (*models.Experimenter, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, handle, password, created_at, updated_at FROM experimenters WHERE id = $1`,
		id,
	))
}

func (s *Store) scanOne(row *sql.Row) (*models.Experimenter, error) {
	var e models.Experimenter
	err := row.Scan(&e.ID, &e.Email, &e.Name, &e.Handle, &e.Password, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get experimenter: %w", err)
	}
	return &e, nil
}
