package staircase

import (
	"fmt"
	"math"
)

const (
	// likelihoodFloor keeps ln(likelihood) finite.
	likelihoodFloor = 1e-6

	// targetEpsilon nudges a target accuracy off the psychometric asymptotes.
	targetEpsilon = 1e-6
	pEffMin       = 0.01
	pEffMax       = 0.99
)

// Psychometric is a guess/lapse bounded logistic:
//
//	P(correct | delta, alpha) = guess + (1 - guess - lapse) * sigmoid((delta - alpha) / beta)
type Psychometric struct {
	Beta  float64 `json:"beta"`
	Lapse float64 `json:"lapse"`
	Guess float64 `json:"guess"`
}

// PCorrect evaluates the psychometric function.
func (p Psychometric) PCorrect(delta, alpha float64) float64 {
	return p.Guess + (1-p.Guess-p.Lapse)*Logistic((delta-alpha)/p.Beta)
}

// Posterior is a discretized Bayesian estimate of the threshold alpha over
// an integer grid. It carries no notion of condition.
type Posterior struct {
	psy          Psychometric
	minDelta     int
	maxDelta     int
	alphaGrid    []float64
	logPosterior []float64
	updates      int
}

// NewPosterior builds a grid over [minDelta, maxDelta] in unit steps. With
// priorSd > 0 the prior is a normal centered on priorMean, otherwise uniform.
func NewPosterior(psy Psychometric, minDelta, maxDelta int, priorMean, priorSd float64) (*Posterior, error) {
	if minDelta > maxDelta {
		return nil, &ConfigError{Field: "minValue", Reason: fmt.Sprintf("(%d) must not exceed maxValue (%d)", minDelta, maxDelta)}
	}
	if psy.Beta <= 0 {
		return nil, &ConfigError{Field: "quest.beta", Reason: "must be positive"}
	}
	// Written as a comparison so extreme bounds cannot overflow the width.
	if maxDelta >= minDelta+MaxGridPoints || minDelta+MaxGridPoints < minDelta {
		return nil, &ConfigError{Field: "maxValue", Reason: fmt.Sprintf("must be less than minValue + %d", MaxGridPoints)}
	}

	n := maxDelta - minDelta + 1
	p := &Posterior{
		psy:          psy,
		minDelta:     minDelta,
		maxDelta:     maxDelta,
		alphaGrid:    make([]float64, n),
		logPosterior: make([]float64, n),
	}
	for i := range p.alphaGrid {
		a := float64(minDelta + i)
		p.alphaGrid[i] = a
		if priorSd > 0 {
			z := (a - priorMean) / priorSd
			p.logPosterior[i] = -0.5 * z * z
		}
	}
	NormalizeLog(p.logPosterior)
	return p, nil
}

// Update folds one observed response at the presented intensity into the
// posterior and renormalizes.
func (p *Posterior) Update(presentedDelta int, wasCorrect bool) {
	d := float64(presentedDelta)
	for i, alpha := range p.alphaGrid {
		pc := p.psy.PCorrect(d, alpha)
		lik := pc
		if !wasCorrect {
			lik = 1 - pc
		}
		lik = Clamp(lik, likelihoodFloor, 1-likelihoodFloor)
		p.logPosterior[i] += math.Log(lik)
	}
	NormalizeLog(p.logPosterior)
	p.updates++
}

// MAP returns the grid point with the highest posterior mass. Ties resolve
// to the lowest alpha.
func (p *Posterior) MAP() float64 {
	best := 0
	for i, lp := range p.logPosterior {
		if lp > p.logPosterior[best] {
			best = i
		}
	}
	return p.alphaGrid[best]
}

// Entropy of the posterior in nats. Used only for monitoring.
func (p *Posterior) Entropy() float64 {
	return Entropy(p.logPosterior)
}

// Mass returns Σ exp(logPosterior); 1 up to rounding after every update.
func (p *Posterior) Mass() float64 {
	var s float64
	for _, lp := range p.logPosterior {
		s += math.Exp(lp)
	}
	return s
}

func (p *Posterior) Updates() int              { return p.updates }
func (p *Posterior) Psychometric() Psychometric { return p.psy }

// LogPosterior returns a copy of the log-probabilities in grid order.
func (p *Posterior) LogPosterior() []float64 {
	return append([]float64(nil), p.logPosterior...)
}

// Grid returns a copy of the alpha grid.
func (p *Posterior) Grid() []float64 {
	return append([]float64(nil), p.alphaGrid...)
}

// Suggest inverts the psychometric function at targetAccuracy around the MAP
// threshold and returns the intensity to present, rounded and clamped to the
// grid. It does not modify p.
func Suggest(p *Posterior, targetAccuracy float64) int {
	psy := p.psy
	target := Clamp(targetAccuracy, psy.Guess+targetEpsilon, 1-psy.Lapse-targetEpsilon)
	pEff := Clamp((target-psy.Guess)/(1-psy.Guess-psy.Lapse), pEffMin, pEffMax)
	delta := p.MAP() + psy.Beta*Logit(pEff)
	return ClampInt(RoundHalfUp(delta), p.minDelta, p.maxDelta)
}

// questTrack keeps per-condition bookkeeping for summaries; the posterior
// itself is shared.
type questTrack struct {
	target        float64
	valueHistory  []int
	totalTrials   int
	correctTrials int
}

func (t *questTrack) accuracy() float64 {
	if t.totalTrials == 0 {
		return 0
	}
	return float64(t.correctTrials) / float64(t.totalTrials)
}

// Quest drives one shared Posterior for every condition, each condition
// asking for a suggestion at its own target accuracy.
type Quest struct {
	posterior *Posterior
	prior     QuestConfig
	tracks    map[Condition]*questTrack
	lastDelta int
}

// NewQuest builds the shared posterior from a validated config.
func NewQuest(cfg Config) (*Quest, error) {
	psy := Psychometric{Beta: cfg.Quest.Beta, Lapse: cfg.Quest.Lapse, Guess: cfg.Quest.Guess}
	post, err := NewPosterior(psy, cfg.MinValue, cfg.MaxValue, cfg.Quest.TGuess, cfg.Quest.TGuessSd)
	if err != nil {
		return nil, err
	}
	q := &Quest{
		posterior: post,
		prior:     cfg.Quest,
		tracks:    make(map[Condition]*questTrack, len(Conditions)),
		lastDelta: cfg.InitialValue,
	}
	for _, cond := range Conditions {
		cc, _ := cfg.ForCondition(cond)
		q.tracks[cond] = &questTrack{target: cc.TargetCorrectRate}
	}
	return q, nil
}

func (q *Quest) Posterior() *Posterior { return q.posterior }
func (q *Quest) LastDelta() int        { return q.lastDelta }

func (q *Quest) track(cond Condition) (*questTrack, error) {
	t, ok := q.tracks[cond]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, cond)
	}
	return t, nil
}

// NextValue suggests the intensity for cond and remembers it as the value
// the next response will be scored against.
func (q *Quest) NextValue(cond Condition) (int, error) {
	t, err := q.track(cond)
	if err != nil {
		return 0, err
	}
	q.lastDelta = Suggest(q.posterior, t.target)
	return q.lastDelta, nil
}

// RecordResponse updates the posterior with the last presented intensity and
// returns a freshly computed suggestion for cond from the updated posterior.
func (q *Quest) RecordResponse(cond Condition, correct bool) (int, error) {
	t, err := q.track(cond)
	if err != nil {
		return 0, err
	}
	presented := q.lastDelta
	q.posterior.Update(presented, correct)

	t.valueHistory = append(t.valueHistory, presented)
	t.totalTrials++
	if correct {
		t.correctTrials++
	}

	q.lastDelta = Suggest(q.posterior, t.target)
	return q.lastDelta, nil
}

// Summary reports cond in the shared ConditionSummary shape.
func (q *Quest) Summary(cond Condition) (ConditionSummary, error) {
	t, err := q.track(cond)
	if err != nil {
		return ConditionSummary{}, err
	}
	history := append([]int(nil), t.valueHistory...)
	initial, final := 0, 0
	if len(history) > 0 {
		initial, final = history[0], history[len(history)-1]
	}
	alphaMap := q.posterior.MAP()
	entropy := q.posterior.Entropy()
	psy := q.posterior.psy
	return ConditionSummary{
		Method:            MethodQuest,
		TargetCorrectRate: t.target,
		InitialValue:      initial,
		FinalValue:        final,
		TotalTrials:       t.totalTrials,
		CorrectTrials:     t.correctTrials,
		CurrentAccuracy:   t.accuracy(),
		ValueHistory:      history,
		ReversalPoints:    []ReversalPoint{},
		Quest: &QuestSummary{
			AlphaMAP: alphaMap,
			Entropy:  entropy,
			Beta:     psy.Beta,
			Lapse:    psy.Lapse,
			Guess:    psy.Guess,
			TGuess:   q.prior.TGuess,
			TGuessSd: q.prior.TGuessSd,
			Updates:  q.posterior.updates,
		},
	}, nil
}
