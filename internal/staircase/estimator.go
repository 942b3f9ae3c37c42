// Package staircase implements the adaptive difficulty control for the
// dot-counting task: a classic n-up/n-down staircase per condition and a
// QUEST-style Bayesian threshold estimator shared across conditions, behind
// one Estimator.
//
// An Estimator is built once per experiment run and is not safe for
// concurrent use; callers serialize access between trials. Given the same
// Config and the same ordered responses it produces identical output.
package staircase

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotInitialized is returned by every accessor on an Estimator that
	// was not built with New.
	ErrNotInitialized = errors.New("staircase estimator not initialized")

	// ErrUnknownCondition is returned for a condition name outside Conditions.
	ErrUnknownCondition = errors.New("unknown staircase condition")
)

// strategy is the engine selected once from Config.Method.
type strategy interface {
	method() Method
	nextValue(cond Condition) (int, error)
	recordResponse(cond Condition, correct bool) (int, error)
	summary(cond Condition) (ConditionSummary, error)
	trialLog(cond Condition) (TrialLog, error)
}

// Option customizes an Estimator.
type Option func(*Estimator)

// WithLogger sets the logger used for trace output when Config.Logging is on.
func WithLogger(l *zap.Logger) Option {
	return func(e *Estimator) {
		if l != nil {
			e.logger = l
		}
	}
}

// Estimator is the unified contract over the classic and QUEST engines.
type Estimator struct {
	cfg      Config
	logger   *zap.Logger
	classics map[Condition]*Classic
	quest    *Quest
	active   strategy
}

// New validates cfg and builds an Estimator. Classic trackers are always
// built so switching methods never leaves them missing; the QUEST posterior
// is built on first use.
func New(cfg Config, opts ...Option) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Estimator{
		cfg:      cfg,
		logger:   zap.NewNop(),
		classics: make(map[Condition]*Classic, len(Conditions)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !cfg.Logging {
		e.logger = zap.NewNop()
	}

	for _, cond := range Conditions {
		cc, _ := cfg.ForCondition(cond)
		e.classics[cond] = NewClassic(cc, cfg)
		e.logger.Debug("staircase initialized",
			zap.String("condition", string(cond)),
			zap.Float64("target", cc.TargetCorrectRate),
			zap.Int("n_up", cc.NUp),
			zap.Int("n_down", cc.NDown),
			zap.Int("initial_value", cfg.InitialValue))
	}

	switch cfg.Method {
	case MethodQuest:
		e.active = &questStrategy{e: e}
	default:
		e.active = &classicStrategy{e: e}
	}
	return e, nil
}

func (e *Estimator) ready() error {
	if e == nil || e.active == nil {
		return ErrNotInitialized
	}
	return nil
}

// Config returns the configuration the Estimator was built with.
func (e *Estimator) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.cfg
}

// Method reports the active engine.
func (e *Estimator) Method() Method {
	if e.ready() != nil {
		return ""
	}
	return e.active.method()
}

func (e *Estimator) skipsPractice(isPractice bool) bool {
	return isPractice && !e.cfg.UpdateOnPractice
}

// NextValue returns the intensity to present on the next trial of cond.
// Practice trials that do not feed the estimator get the fixed practice
// intensity.
func (e *Estimator) NextValue(cond Condition, isPractice bool) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if _, err := e.cfg.ForCondition(cond); err != nil {
		return 0, err
	}
	if e.skipsPractice(isPractice) {
		return e.cfg.PracticeIntensity(), nil
	}
	return e.active.nextValue(cond)
}

// RecordResponse feeds one response to the active engine and returns the
// next value. For classic this is the new current value; for QUEST it is a
// suggestion recomputed from the updated posterior. Practice responses are
// ignored unless Config.UpdateOnPractice is set.
func (e *Estimator) RecordResponse(cond Condition, correct, isPractice bool) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if _, err := e.cfg.ForCondition(cond); err != nil {
		return 0, err
	}
	if e.skipsPractice(isPractice) {
		e.logger.Debug("practice response ignored", zap.String("condition", string(cond)))
		return e.cfg.PracticeIntensity(), nil
	}
	return e.active.recordResponse(cond, correct)
}

// TrialLogData snapshots the state of cond for the per-trial record.
func (e *Estimator) TrialLogData(cond Condition) (TrialLog, error) {
	if err := e.ready(); err != nil {
		return TrialLog{}, err
	}
	return e.active.trialLog(cond)
}

// Summary reports both conditions in the same shape whatever the method.
func (e *Estimator) Summary() (Summary, error) {
	if err := e.ready(); err != nil {
		return Summary{}, err
	}
	easy, err := e.active.summary(ConditionEasy)
	if err != nil {
		return Summary{}, err
	}
	difficult, err := e.active.summary(ConditionDifficult)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Easy: easy, Difficult: difficult}, nil
}

// Classic exposes the classic tracker for cond. Trackers exist for every
// method.
func (e *Estimator) Classic(cond Condition) (*Classic, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	c, ok := e.classics[cond]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, cond)
	}
	return c, nil
}

// Quest returns the QUEST engine, building it on first use.
func (e *Estimator) Quest() (*Quest, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.quest == nil {
		q, err := NewQuest(e.cfg)
		if err != nil {
			return nil, fmt.Errorf("build quest posterior: %w", err)
		}
		e.quest = q
		e.logger.Debug("quest posterior initialized",
			zap.Int("grid_min", e.cfg.MinValue),
			zap.Int("grid_max", e.cfg.MaxValue),
			zap.Float64("beta", e.cfg.Quest.Beta))
	}
	return e.quest, nil
}

// ── classic strategy ────────────────────────────────────

type classicStrategy struct {
	e *Estimator
}

func (s *classicStrategy) method() Method { return MethodClassic }

func (s *classicStrategy) nextValue(cond Condition) (int, error) {
	c, err := s.e.Classic(cond)
	if err != nil {
		return 0, err
	}
	return c.CurrentValue(), nil
}

func (s *classicStrategy) recordResponse(cond Condition, correct bool) (int, error) {
	c, err := s.e.Classic(cond)
	if err != nil {
		return 0, err
	}
	previous := c.CurrentValue()
	reversals := c.ReversalCount()
	next := c.RecordResponse(correct)

	log := s.e.logger
	log.Debug("staircase response",
		zap.String("condition", string(cond)),
		zap.Bool("correct", correct),
		zap.Int("trial", c.TotalTrials()),
		zap.Float64("accuracy", c.Accuracy()),
		zap.Int("consecutive_correct", c.ConsecutiveCorrect()),
		zap.Int("consecutive_incorrect", c.ConsecutiveIncorrect()))
	if next != previous {
		log.Debug("staircase adjusted",
			zap.String("condition", string(cond)),
			zap.Int("from", previous),
			zap.Int("to", next))
	}
	if c.ReversalCount() > reversals {
		log.Debug("staircase reversal",
			zap.String("condition", string(cond)),
			zap.Int("trial", c.TotalTrials()),
			zap.Int("reversals", c.ReversalCount()))
	}
	return next, nil
}

func (s *classicStrategy) summary(cond Condition) (ConditionSummary, error) {
	c, err := s.e.Classic(cond)
	if err != nil {
		return ConditionSummary{}, err
	}
	return c.Summary(), nil
}

func (s *classicStrategy) trialLog(cond Condition) (TrialLog, error) {
	c, err := s.e.Classic(cond)
	if err != nil {
		return TrialLog{}, err
	}
	reversals := c.ReversalCount()
	cc, icc := c.ConsecutiveCorrect(), c.ConsecutiveIncorrect()
	return TrialLog{
		Method:               MethodClassic,
		Condition:            cond,
		Value:                c.CurrentValue(),
		TrialsSoFar:          c.TotalTrials(),
		RunningAccuracy:      c.Accuracy(),
		TargetRate:           c.targetCorrectRate,
		Reversals:            &reversals,
		ConsecutiveCorrect:   &cc,
		ConsecutiveIncorrect: &icc,
	}, nil
}

// ── quest strategy ──────────────────────────────────────

type questStrategy struct {
	e *Estimator
}

func (s *questStrategy) method() Method { return MethodQuest }

func (s *questStrategy) nextValue(cond Condition) (int, error) {
	q, err := s.e.Quest()
	if err != nil {
		return 0, err
	}
	return q.NextValue(cond)
}

func (s *questStrategy) recordResponse(cond Condition, correct bool) (int, error) {
	q, err := s.e.Quest()
	if err != nil {
		return 0, err
	}
	presented := q.LastDelta()
	next, err := q.RecordResponse(cond, correct)
	if err != nil {
		return 0, err
	}
	s.e.logger.Debug("quest update",
		zap.String("condition", string(cond)),
		zap.Bool("correct", correct),
		zap.Int("presented", presented),
		zap.Float64("alpha_map", q.Posterior().MAP()),
		zap.Float64("entropy", q.Posterior().Entropy()),
		zap.Int("next", next))
	return next, nil
}

func (s *questStrategy) summary(cond Condition) (ConditionSummary, error) {
	q, err := s.e.Quest()
	if err != nil {
		return ConditionSummary{}, err
	}
	return q.Summary(cond)
}

func (s *questStrategy) trialLog(cond Condition) (TrialLog, error) {
	q, err := s.e.Quest()
	if err != nil {
		return TrialLog{}, err
	}
	t, err := q.track(cond)
	if err != nil {
		return TrialLog{}, err
	}
	post := q.Posterior()
	alphaMap, entropy := post.MAP(), post.Entropy()
	psy := post.Psychometric()
	return TrialLog{
		Method:          MethodQuest,
		Condition:       cond,
		Value:           q.LastDelta(),
		TrialsSoFar:     t.totalTrials,
		RunningAccuracy: t.accuracy(),
		TargetRate:      t.target,
		AlphaMAP:        &alphaMap,
		Entropy:         &entropy,
		Beta:            &psy.Beta,
		Lapse:           &psy.Lapse,
		Guess:           &psy.Guess,
	}, nil
}
