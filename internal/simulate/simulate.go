// Package simulate drives a staircase.Estimator with a synthetic observer so
// tuning can be checked offline.
package simulate

import (
	"fmt"
	"math/rand"

	"github.com/metacog-lab/backend/internal/staircase"
)

// Observer decides whether a simulated response at a given intensity is
// correct.
type Observer interface {
	Respond(delta int) bool
}

// FixedAccuracy answers correctly with probability P whatever the intensity.
type FixedAccuracy struct {
	P   float64
	rng *rand.Rand
}

func NewFixedAccuracy(p float64, seed int64) *FixedAccuracy {
	return &FixedAccuracy{P: p, rng: rand.New(rand.NewSource(seed))}
}

func (f *FixedAccuracy) Respond(int) bool {
	return f.rng.Float64() < f.P
}

// PsychometricObserver answers from a guess/lapse logistic with a true
// threshold Alpha.
type PsychometricObserver struct {
	Alpha float64
	Psy   staircase.Psychometric
	rng   *rand.Rand
}

func NewPsychometricObserver(alpha float64, psy staircase.Psychometric, seed int64) *PsychometricObserver {
	return &PsychometricObserver{Alpha: alpha, Psy: psy, rng: rand.New(rand.NewSource(seed))}
}

func (o *PsychometricObserver) Respond(delta int) bool {
	return o.rng.Float64() < o.Psy.PCorrect(float64(delta), o.Alpha)
}

// Schedule picks the condition of trial i.
type Schedule func(i int) staircase.Condition

// Alternate interleaves easy and difficult trials.
func Alternate(i int) staircase.Condition {
	return staircase.Conditions[i%len(staircase.Conditions)]
}

// Only runs every trial on one condition.
func Only(cond staircase.Condition) Schedule {
	return func(int) staircase.Condition { return cond }
}

// Trial is one simulated trial.
type Trial struct {
	Index     int                 `json:"index" yaml:"index"`
	Condition staircase.Condition `json:"condition" yaml:"condition"`
	Presented int                 `json:"presented" yaml:"presented"`
	Correct   bool                `json:"correct" yaml:"correct"`
	Next      int                 `json:"next" yaml:"next"`
}

// Result is a full simulated run.
type Result struct {
	Method  staircase.Method  `json:"method" yaml:"method"`
	Trials  []Trial           `json:"trials" yaml:"trials"`
	Summary staircase.Summary `json:"summary" yaml:"summary"`
}

// Run presents n trials to obs, asking est for each intensity and feeding the
// response back.
func Run(est *staircase.Estimator, obs Observer, n int, schedule Schedule) (*Result, error) {
	if schedule == nil {
		schedule = Alternate
	}
	res := &Result{Method: est.Method(), Trials: make([]Trial, 0, n)}

	for i := 0; i < n; i++ {
		cond := schedule(i)
		presented, err := est.NextValue(cond, false)
		if err != nil {
			return nil, fmt.Errorf("trial %d: next value: %w", i, err)
		}
		correct := obs.Respond(presented)
		next, err := est.RecordResponse(cond, correct, false)
		if err != nil {
			return nil, fmt.Errorf("trial %d: record response: %w", i, err)
		}
		res.Trials = append(res.Trials, Trial{
			Index:     i,
			Condition: cond,
			Presented: presented,
			Correct:   correct,
			Next:      next,
		})
	}

	summary, err := est.Summary()
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	res.Summary = summary
	return res, nil
}

// TailMean is the mean presented value over the last k trials of cond.
func (r *Result) TailMean(cond staircase.Condition, k int) float64 {
	var sum, count int
	for i := len(r.Trials) - 1; i >= 0 && count < k; i-- {
		if r.Trials[i].Condition != cond {
			continue
		}
		sum += r.Trials[i].Presented
		count++
	}
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}
