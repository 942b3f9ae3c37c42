// Package sessions runs the adaptive dot-counting task server side: one
// staircase.Estimator per participant session, every response stored as a
// trial, and live updates for experimenters.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/metacog-lab/backend/internal/archive"
	"github.com/metacog-lab/backend/internal/models"
	"github.com/metacog-lab/backend/internal/staircase"
	"go.uber.org/zap"
)

const defaultTask = "metacognition-task"

// ConfigSource supplies the staircase config new sessions start with.
type ConfigSource interface {
	Current() staircase.Config
}

// liveSession is a session with its estimator in memory. mu serializes
// estimator access between requests.
type liveSession struct {
	mu      sync.Mutex
	session models.Session
	est     *staircase.Estimator
	trials  int
}

type Service struct {
	repo     Repository
	configs  ConfigSource
	archiver archive.Archiver
	hub      *Hub
	logger   *zap.Logger

	loadMu sync.Mutex
	live   *lru.Cache[string, *liveSession]

	now   func() time.Time
	newID func() string
}

type Option func(*Service)

func WithArchiver(a archive.Archiver) Option {
	return func(s *Service) {
		if a != nil {
			s.archiver = a
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithHub(h *Hub) Option {
	return func(s *Service) {
		if h != nil {
			s.hub = h
		}
	}
}

// NewService keeps up to capacity estimators in memory. Older sessions are
// rebuilt from their stored trials when touched again.
func NewService(repo Repository, configs ConfigSource, capacity int, opts ...Option) (*Service, error) {
	cache, err := lru.New[string, *liveSession](capacity)
	if err != nil {
		return nil, fmt.Errorf("live session cache: %w", err)
	}
	s := &Service{
		repo:     repo,
		configs:  configs,
		archiver: archive.Nop{},
		hub:      NewHub(),
		logger:   zap.NewNop(),
		live:     cache,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Hub() *Hub { return s.hub }

// DefaultConfig is the config a session started now would get.
func (s *Service) DefaultConfig() staircase.Config {
	return s.configs.Current()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *Service) newEstimator(cfg staircase.Config) (*staircase.Estimator, error) {
	return staircase.New(cfg, staircase.WithLogger(s.logger.Named("staircase")))
}

// StartSession creates a session with the current default config, or with
// req.Config when given.
func (s *Service) StartSession(ctx context.Context, req models.StartSessionRequest) (*models.Session, error) {
	subject := strings.TrimSpace(req.SubjectID)
	if subject == "" {
		return nil, invalid("subject_id is required")
	}
	task := strings.TrimSpace(req.Task)
	if task == "" {
		task = defaultTask
	}

	cfg := s.configs.Current()
	if req.Config != nil {
		cfg = *req.Config
	}
	est, err := s.newEstimator(cfg)
	if err != nil {
		return nil, err
	}

	sess := models.Session{
		ID:        s.newID(),
		SubjectID: subject,
		Task:      task,
		Method:    est.Method(),
		Config:    cfg,
		Status:    models.SessionActive,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateSession(ctx, &sess); err != nil {
		return nil, err
	}
	s.live.Add(sess.ID, &liveSession{session: sess, est: est})

	s.logger.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("subject_id", subject),
		zap.String("method", string(sess.Method)))
	return &sess, nil
}

// load returns the live session, rebuilding its estimator from the stored
// trials on a cache miss.
func (s *Service) load(ctx context.Context, id string) (*liveSession, error) {
	if ls, ok := s.live.Get(id); ok {
		return ls, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if ls, ok := s.live.Get(id); ok {
		return ls, nil
	}

	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	trials, err := s.repo.ListTrials(ctx, id)
	if err != nil {
		return nil, err
	}
	est, err := Replay(sess.Config, trials, staircase.WithLogger(s.logger.Named("staircase")))
	if err != nil {
		return nil, fmt.Errorf("replay session %s: %w", id, err)
	}

	ls := &liveSession{session: *sess, est: est, trials: len(trials)}
	s.live.Add(id, ls)
	s.logger.Debug("session rebuilt from trials",
		zap.String("session_id", id),
		zap.Int("trials", len(trials)))
	return ls, nil
}

// Replay rebuilds an estimator by feeding it the stored trials in order, the
// same way they were fed live.
func Replay(cfg staircase.Config, trials []models.Trial, opts ...staircase.Option) (*staircase.Estimator, error) {
	est, err := staircase.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	for _, t := range trials {
		if _, err := est.NextValue(t.Condition, t.IsPractice); err != nil {
			return nil, fmt.Errorf("trial %d: %w", t.TrialNumber, err)
		}
		if _, err := est.RecordResponse(t.Condition, t.Correct, t.IsPractice); err != nil {
			return nil, fmt.Errorf("trial %d: %w", t.TrialNumber, err)
		}
	}
	return est, nil
}

func parseCondition(name string) (staircase.Condition, error) {
	cond, err := staircase.ParseCondition(strings.TrimSpace(name))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return cond, nil
}

// NextValue returns the dot difference to show on the next trial.
func (s *Service) NextValue(ctx context.Context, id, condition string, practice bool) (*models.NextValueResponse, error) {
	cond, err := parseCondition(condition)
	if err != nil {
		return nil, err
	}
	ls, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.session.Status == models.SessionFinished {
		return nil, ErrSessionFinished
	}
	v, err := ls.est.NextValue(cond, practice)
	if err != nil {
		return nil, err
	}
	return &models.NextValueResponse{
		SessionID:  id,
		Condition:  cond,
		IsPractice: practice,
		Value:      v,
	}, nil
}

// RecordResponse feeds one response to the session's estimator, stores it as
// the next trial and publishes it to live subscribers.
func (s *Service) RecordResponse(ctx context.Context, id string, req models.RecordResponseRequest) (*models.RecordResponseResponse, error) {
	cond, err := parseCondition(req.Condition)
	if err != nil {
		return nil, err
	}
	if req.Correct == nil {
		return nil, invalid("correct is required")
	}
	ls, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.session.Status == models.SessionFinished {
		return nil, ErrSessionFinished
	}

	// The value being answered is what NextValue served for this condition.
	presented, err := ls.est.NextValue(cond, req.IsPractice)
	if err != nil {
		return nil, err
	}
	next, err := ls.est.RecordResponse(cond, *req.Correct, req.IsPractice)
	if err != nil {
		return nil, err
	}
	trialLog, err := ls.est.TrialLogData(cond)
	if err != nil {
		return nil, err
	}

	trial := models.Trial{
		SessionID:   id,
		TrialNumber: ls.trials + 1,
		Condition:   cond,
		IsPractice:  req.IsPractice,
		Presented:   presented,
		Correct:     *req.Correct,
		Response:    req.Response,
		MoreSide:    req.MoreSide,
		RTMs:        req.RTMs,
		Confidence:  req.Confidence,
		NextValue:   next,
		Log:         &trialLog,
	}
	if err := s.repo.InsertTrial(ctx, &trial); err != nil {
		// The estimator already moved; drop it so the next call replays the
		// stored trials.
		s.live.Remove(id)
		return nil, err
	}
	ls.trials++

	s.hub.Publish(models.LiveEvent{Type: models.EventTrial, SessionID: id, Trial: &trial})
	return &models.RecordResponseResponse{
		TrialNumber: trial.TrialNumber,
		NextValue:   next,
		Log:         trialLog,
	}, nil
}

// Summary reports both conditions. Finished sessions return the summary
// stored when they finished.
func (s *Service) Summary(ctx context.Context, id string) (*staircase.Summary, error) {
	ls, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.session.Summary != nil {
		sum := *ls.session.Summary
		return &sum, nil
	}
	sum, err := ls.est.Summary()
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// sessionArchive is the document written to object storage on finish.
type sessionArchive struct {
	Session models.Session    `json:"session"`
	Trials  []models.Trial    `json:"trials"`
	Summary staircase.Summary `json:"summary"`
}

// FinishSession freezes the summary, marks the session finished and archives
// it. An archive failure is logged; the session still finishes.
func (s *Service) FinishSession(ctx context.Context, id string) (*models.Session, error) {
	ls, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.session.Status == models.SessionFinished {
		return nil, ErrSessionFinished
	}

	sum, err := ls.est.Summary()
	if err != nil {
		return nil, err
	}
	at := s.now().UTC()
	if err := s.repo.FinishSession(ctx, id, sum, at); err != nil {
		s.live.Remove(id)
		return nil, err
	}
	ls.session.Status = models.SessionFinished
	ls.session.Summary = &sum
	ls.session.FinishedAt = &at
	sess := ls.session

	trials, err := s.repo.ListTrials(ctx, id)
	if err != nil {
		s.logger.Warn("list trials for archive", zap.String("session_id", id), zap.Error(err))
	} else {
		doc := sessionArchive{Session: sess, Trials: trials, Summary: sum}
		if err := s.archiver.Put(ctx, archive.SessionKey(sess.Task, id), doc); err != nil {
			s.logger.Warn("archive session", zap.String("session_id", id), zap.Error(err))
		}
	}

	s.hub.Publish(models.LiveEvent{Type: models.EventFinished, SessionID: id, Summary: &sum})
	s.hub.CloseSession(id)

	s.logger.Info("session finished",
		zap.String("session_id", id),
		zap.Int("trials", ls.trials))
	return &sess, nil
}

// SubmitData stores the raw rows the browser task saves at the end of a run.
// Missing identifiers get the same defaults the task itself uses.
func (s *Service) SubmitData(ctx context.Context, req models.SubmitDataRequest) (*models.SubmitDataResponse, error) {
	req.Task = firstNonEmpty(req.Task, "default_task")
	req.ID = firstNonEmpty(req.ID, "default_id")
	req.Session = firstNonEmpty(req.Session, "none")
	req.WriteMode = firstNonEmpty(req.WriteMode, models.WriteOverwrite)
	if req.WriteMode != models.WriteOverwrite && req.WriteMode != models.WriteAppend {
		return nil, invalid("write_mode must be %q or %q", models.WriteOverwrite, models.WriteAppend)
	}

	var rows []Entry
	if len(req.Data) == 0 {
		return nil, invalid("data is required")
	}
	if err := json.Unmarshal(req.Data, &rows); err != nil {
		return nil, invalid("data must be an array of objects")
	}

	records := len(rows)
	if req.ConsolidateData {
		consolidated, incomplete := ConsolidateTrials(rows)
		if len(incomplete) > 0 {
			s.logger.Warn("trials missing required components",
				zap.String("subject_id", req.ID),
				zap.Ints("trial_numbers", incomplete))
		}
		body, err := json.Marshal(consolidated)
		if err != nil {
			return nil, fmt.Errorf("encode consolidated data: %w", err)
		}
		req.Data = body
		records = len(consolidated)
	}

	if err := s.repo.SaveSubmission(ctx, req); err != nil {
		return nil, err
	}
	return &models.SubmitDataResponse{Status: "success", Records: records}, nil
}

// ListSessions pages through sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, f models.SessionFilter) ([]models.Session, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.ListSessions(ctx, f)
}

func (s *Service) ListTrials(ctx context.Context, id string) ([]models.Trial, error) {
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTrials(ctx, id)
}

// Subscribe streams live events of an existing session.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan models.LiveEvent, func(), error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status == models.SessionFinished {
		return nil, nil, ErrSessionFinished
	}
	ch, cancel := s.hub.Subscribe(id, 32)
	return ch, cancel, nil
}

// IsClientError reports whether err stems from bad input rather than a
// server fault.
func IsClientError(err error) bool {
	var cfgErr *staircase.ConfigError
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, staircase.ErrUnknownCondition) ||
		errors.As(err, &cfgErr)
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}
