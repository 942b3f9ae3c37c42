package staircase

import (
	"errors"
	"fmt"
)

// MaxGridPoints bounds maxValue - minValue. QUEST keeps one posterior cell
// per integer in the range.
const MaxGridPoints = 10000

// Method selects the adaptive engine.
type Method string

const (
	MethodClassic Method = "classic"
	MethodQuest   Method = "quest"
)

// Condition is a named difficulty track.
type Condition string

const (
	ConditionEasy      Condition = "easy"
	ConditionDifficult Condition = "difficult"
)

// Conditions lists every known condition in reporting order.
var Conditions = []Condition{ConditionEasy, ConditionDifficult}

// ParseCondition maps a condition name to a Condition.
func ParseCondition(name string) (Condition, error) {
	switch Condition(name) {
	case ConditionEasy, ConditionDifficult:
		return Condition(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCondition, name)
}

type ConditionConfig struct {
	TargetCorrectRate float64 `json:"targetCorrectRate" yaml:"targetCorrectRate" toml:"targetCorrectRate" jsonschema:"exclusiveMinimum=0,exclusiveMaximum=1,description=Accuracy the track converges to"`
	NUp               int     `json:"nUp" yaml:"nUp" toml:"nUp" jsonschema:"minimum=1,description=Consecutive correct responses before the task gets harder"`
	NDown             int     `json:"nDown" yaml:"nDown" toml:"nDown" jsonschema:"minimum=1,description=Consecutive incorrect responses before the task gets easier"`
}

type QuestConfig struct {
	TGuess   float64 `json:"tGuess" yaml:"tGuess" toml:"tGuess" jsonschema:"description=Prior threshold guess (used when tGuessSd > 0)"`
	TGuessSd float64 `json:"tGuessSd" yaml:"tGuessSd" toml:"tGuessSd" jsonschema:"minimum=0,description=Prior standard deviation; 0 keeps the uniform prior"`
	Beta     float64 `json:"beta" yaml:"beta" toml:"beta" jsonschema:"exclusiveMinimum=0,description=Psychometric slope"`
	Lapse    float64 `json:"lapse" yaml:"lapse" toml:"lapse" jsonschema:"minimum=0,exclusiveMaximum=1"`
	Guess    float64 `json:"guess" yaml:"guess" toml:"guess" jsonschema:"minimum=0,exclusiveMaximum=1"`
}

// Config holds every tunable of the adaptive estimator. It is read-only once
// an Estimator has been built from it.
type Config struct {
	Method           Method          `json:"method" yaml:"method" toml:"method" jsonschema:"enum=classic,enum=quest"`
	InitialValue     int             `json:"initialValue" yaml:"initialValue" toml:"initialValue"`
	StepSize         int             `json:"stepSize" yaml:"stepSize" toml:"stepSize" jsonschema:"minimum=1"`
	MinValue         int             `json:"minValue" yaml:"minValue" toml:"minValue" jsonschema:"minimum=0"`
	MaxValue         int             `json:"maxValue" yaml:"maxValue" toml:"maxValue"`
	PracticeValue    int             `json:"practiceValue,omitempty" yaml:"practiceValue,omitempty" toml:"practiceValue,omitempty" jsonschema:"description=Fixed practice intensity; 0 means initialValue"`
	Easy             ConditionConfig `json:"easy" yaml:"easy" toml:"easy"`
	Difficult        ConditionConfig `json:"difficult" yaml:"difficult" toml:"difficult"`
	Quest            QuestConfig     `json:"quest" yaml:"quest" toml:"quest"`
	UpdateOnPractice bool            `json:"updateOnPractice" yaml:"updateOnPractice" toml:"updateOnPractice"`
	Logging          bool            `json:"logging" yaml:"logging" toml:"logging"`
}

// DefaultConfig returns the settings the dot-counting experiment ships with.
func DefaultConfig() Config {
	return Config{
		Method:       MethodClassic,
		InitialValue: 40,
		StepSize:     2,
		MinValue:     2,
		MaxValue:     100,
		Easy: ConditionConfig{
			TargetCorrectRate: 0.85,
			NUp:               1,
			NDown:             4,
		},
		Difficult: ConditionConfig{
			TargetCorrectRate: 0.71,
			NUp:               1,
			NDown:             2,
		},
		Quest: QuestConfig{
			TGuess: 40,
			Beta:   10,
			Lapse:  0.02,
			Guess:  0.5,
		},
	}
}

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid staircase config: %s %s", e.Field, e.Reason)
}

// ForCondition returns the tuning for cond.
func (c Config) ForCondition(cond Condition) (ConditionConfig, error) {
	switch cond {
	case ConditionEasy:
		return c.Easy, nil
	case ConditionDifficult:
		return c.Difficult, nil
	}
	return ConditionConfig{}, fmt.Errorf("%w: %q", ErrUnknownCondition, cond)
}

// PracticeIntensity is the value served on practice trials that do not feed
// the estimator.
func (c Config) PracticeIntensity() int {
	if c.PracticeValue != 0 {
		return c.PracticeValue
	}
	return c.InitialValue
}

// Validate reports every invalid field at once. The returned error unwraps to
// one *ConfigError per problem.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, reason string) {
		errs = append(errs, &ConfigError{Field: field, Reason: reason})
	}

	switch c.Method {
	case MethodClassic, MethodQuest:
	default:
		bad("method", fmt.Sprintf("must be %q or %q, got %q", MethodClassic, MethodQuest, c.Method))
	}

	boundsOK := c.MinValue <= c.MaxValue
	if !boundsOK {
		bad("minValue", fmt.Sprintf("(%d) must not exceed maxValue (%d)", c.MinValue, c.MaxValue))
	}
	if c.MinValue < 0 {
		bad("minValue", "must not be negative")
		boundsOK = false
	}
	// Both bounds are non-negative here, so the difference cannot overflow.
	if boundsOK && c.MaxValue-c.MinValue >= MaxGridPoints {
		bad("maxValue", fmt.Sprintf("must be less than minValue + %d", MaxGridPoints))
		boundsOK = false
	}

	if c.StepSize <= 0 {
		bad("stepSize", "must be positive")
	} else if boundsOK && c.MaxValue > c.MinValue && c.StepSize > c.MaxValue-c.MinValue {
		bad("stepSize", fmt.Sprintf("(%d) must not exceed maxValue - minValue (%d)", c.StepSize, c.MaxValue-c.MinValue))
	}
	if c.MinValue <= c.MaxValue && (c.InitialValue < c.MinValue || c.InitialValue > c.MaxValue) {
		bad("initialValue", fmt.Sprintf("(%d) must lie in [%d, %d]", c.InitialValue, c.MinValue, c.MaxValue))
	}
	if c.PracticeValue != 0 && c.MinValue <= c.MaxValue && (c.PracticeValue < c.MinValue || c.PracticeValue > c.MaxValue) {
		bad("practiceValue", fmt.Sprintf("(%d) must lie in [%d, %d]", c.PracticeValue, c.MinValue, c.MaxValue))
	}

	for _, cc := range []struct {
		name string
		cfg  ConditionConfig
	}{{"easy", c.Easy}, {"difficult", c.Difficult}} {
		if cc.cfg.TargetCorrectRate <= 0 || cc.cfg.TargetCorrectRate >= 1 {
			bad(cc.name+".targetCorrectRate", "must lie in (0, 1)")
		}
		if cc.cfg.NUp < 1 {
			bad(cc.name+".nUp", "must be at least 1")
		}
		if cc.cfg.NDown < 1 {
			bad(cc.name+".nDown", "must be at least 1")
		}
	}

	if c.Method == MethodQuest {
		q := c.Quest
		if q.Beta <= 0 {
			bad("quest.beta", "must be positive")
		}
		if q.Lapse < 0 || q.Lapse >= 1 {
			bad("quest.lapse", "must lie in [0, 1)")
		}
		if q.Guess < 0 || q.Guess >= 1 {
			bad("quest.guess", "must lie in [0, 1)")
		}
		if q.Guess+q.Lapse >= 1 {
			bad("quest.guess", "plus lapse must be below 1")
		}
		if q.TGuessSd < 0 {
			bad("quest.tGuessSd", "must not be negative")
		}
	}

	return errors.Join(errs...)
}
