package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/metacog-lab/backend/internal/models"
	"github.com/metacog-lab/backend/internal/staircase"
)

// Repository persists sessions, their trials and raw submissions.
type Repository interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, f models.SessionFilter) ([]models.Session, error)
	FinishSession(ctx context.Context, id string, summary staircase.Summary, at time.Time) error
	InsertTrial(ctx context.Context, t *models.Trial) error
	ListTrials(ctx context.Context, sessionID string) ([]models.Trial, error)
	SaveSubmission(ctx context.Context, req models.SubmitDataRequest) error
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ── Sessions ────────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject_id, task, method, config, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.SubjectID, sess.Task, sess.Method, string(cfg), sess.Status, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionCols = `id, subject_id, task, method, config, status, summary, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess     models.Session
		cfg      []byte
		summary  []byte
		finished sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.SubjectID, &sess.Task, &sess.Method, &cfg,
		&sess.Status, &summary, &sess.CreatedAt, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &sess.Config); err != nil {
		return nil, fmt.Errorf("decode session config: %w", err)
	}
	if summary != nil {
		var sum staircase.Summary
		if err := json.Unmarshal(summary, &sum); err != nil {
			return nil, fmt.Errorf("decode session summary: %w", err)
		}
		sess.Summary = &sum
	}
	if finished.Valid {
		sess.FinishedAt = &finished.Time
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, f models.SessionFilter) ([]models.Session, error) {
	var rows *sql.Rows
	var err error

	if f.Status != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sessionCols+` FROM sessions WHERE status = $1
			 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			*f.Status, f.Limit, f.Offset,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sessionCols+` FROM sessions
			 ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			f.Limit, f.Offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) FinishSession(ctx context.Context, id string, summary staircase.Summary, at time.Time) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, summary = $2, finished_at = $3
		 WHERE id = $4 AND status = $5`,
		models.SessionFinished, string(body), at, id, models.SessionActive,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionFinished
	}
	return nil
}

// ── Trials ──────────────────────────────────────────────

func (s *Store) InsertTrial(ctx context.Context, t *models.Trial) error {
	var logBody sql.NullString
	if t.Log != nil {
		body, err := json.Marshal(t.Log)
		if err != nil {
			return fmt.Errorf("encode trial log: %w", err)
		}
		logBody = sql.NullString{String: string(body), Valid: true}
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO trials (session_id, trial_number, condition, is_practice, presented, correct,
		                     response, more_side, rt_ms, confidence, next_value, log)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12)
		 RETURNING id, created_at`,
		t.SessionID, t.TrialNumber, t.Condition, t.IsPractice, t.Presented, t.Correct,
		t.Response, t.MoreSide, t.RTMs, t.Confidence, t.NextValue, logBody,
	).Scan(&t.ID, &t.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrTrialConflict
	}
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}
	return nil
}

// ListTrials returns every trial of a session in trial order.
func (s *Store) ListTrials(ctx context.Context, sessionID string) ([]models.Trial, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trial_number, condition, is_practice, presented, correct,
		        COALESCE(response, ''), COALESCE(more_side, ''), rt_ms, confidence, next_value, log, created_at
		 FROM trials WHERE session_id = $1 ORDER BY trial_number`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	var trials []models.Trial
	for rows.Next() {
		var (
			t          models.Trial
			rt         sql.NullFloat64
			confidence sql.NullInt64
			logBody    []byte
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TrialNumber, &t.Condition, &t.IsPractice,
			&t.Presented, &t.Correct, &t.Response, &t.MoreSide, &rt, &confidence,
			&t.NextValue, &logBody, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		if rt.Valid {
			t.RTMs = &rt.Float64
		}
		if confidence.Valid {
			c := int(confidence.Int64)
			t.Confidence = &c
		}
		if logBody != nil {
			var l staircase.TrialLog
			if err := json.Unmarshal(logBody, &l); err != nil {
				return nil, fmt.Errorf("decode trial log: %w", err)
			}
			t.Log = &l
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

// ── Submissions ─────────────────────────────────────────

// SaveSubmission upserts the raw data keyed by (task, id, session). Append
// mode concatenates onto the stored array.
func (s *Store) SaveSubmission(ctx context.Context, req models.SubmitDataRequest) error {
	update := `data = EXCLUDED.data`
	if req.WriteMode == models.WriteAppend {
		update = `data = submissions.data || EXCLUDED.data`
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (task, subject_id, session, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (task, subject_id, session)
		 DO UPDATE SET `+update+`, updated_at = NOW()`,
		req.Task, req.ID, req.Session, string(req.Data),
	)
	if err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return nil
}
