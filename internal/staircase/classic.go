package staircase

// ReversalPoint marks a trial where the requested direction of adjustment
// flipped. Value is the level before the adjustment was applied.
type ReversalPoint struct {
	Trial int `json:"trial"`
	Value int `json:"value"`
}

type direction int

const (
	dirNone   direction = 0
	dirHarder direction = -1
	dirEasier direction = 1
)

// Classic is an n-up/n-down staircase over an integer difficulty value.
// Smaller values are harder (a smaller dot difference).
type Classic struct {
	targetCorrectRate float64
	nUp               int
	nDown             int
	stepSize          int
	minValue          int
	maxValue          int

	currentValue         int
	consecutiveCorrect   int
	consecutiveIncorrect int

	responses      []bool
	valueHistory   []int
	reversalPoints []ReversalPoint
	lastDirection  direction

	totalTrials   int
	correctTrials int
}

// NewClassic builds a staircase for one condition. cfg must already be
// validated.
func NewClassic(cc ConditionConfig, cfg Config) *Classic {
	return &Classic{
		targetCorrectRate: cc.TargetCorrectRate,
		nUp:               cc.NUp,
		nDown:             cc.NDown,
		stepSize:          cfg.StepSize,
		minValue:          cfg.MinValue,
		maxValue:          cfg.MaxValue,
		currentValue:      cfg.InitialValue,
		valueHistory:      []int{cfg.InitialValue},
	}
}

func (c *Classic) CurrentValue() int { return c.currentValue }

// Accuracy is the proportion of recorded responses that were correct, or 0
// before any response.
func (c *Classic) Accuracy() float64 {
	if c.totalTrials == 0 {
		return 0
	}
	return float64(c.correctTrials) / float64(c.totalTrials)
}

func (c *Classic) TotalTrials() int          { return c.totalTrials }
func (c *Classic) CorrectTrials() int        { return c.correctTrials }
func (c *Classic) ConsecutiveCorrect() int   { return c.consecutiveCorrect }
func (c *Classic) ConsecutiveIncorrect() int { return c.consecutiveIncorrect }
func (c *Classic) ReversalCount() int        { return len(c.reversalPoints) }

// Responses returns a copy of the recorded correctness sequence.
func (c *Classic) Responses() []bool {
	return append([]bool(nil), c.responses...)
}

// RecordResponse applies one response and returns the new current value.
func (c *Classic) RecordResponse(correct bool) int {
	c.responses = append(c.responses, correct)
	c.totalTrials++

	if correct {
		c.correctTrials++
		c.consecutiveCorrect++
		c.consecutiveIncorrect = 0
		if c.consecutiveCorrect >= c.nUp {
			c.adjust(dirHarder)
			c.consecutiveCorrect = 0
		}
	} else {
		c.consecutiveIncorrect++
		c.consecutiveCorrect = 0
		if c.consecutiveIncorrect >= c.nDown {
			c.adjust(dirEasier)
			c.consecutiveIncorrect = 0
		}
	}

	c.valueHistory = append(c.valueHistory, c.currentValue)
	return c.currentValue
}

// adjust moves one step in dir, clamped to the bounds. Reversals compare the
// requested direction, so a move swallowed by a bound still counts.
func (c *Classic) adjust(dir direction) {
	previous := c.currentValue
	if c.lastDirection != dirNone && dir != c.lastDirection {
		c.reversalPoints = append(c.reversalPoints, ReversalPoint{
			Trial: c.totalTrials,
			Value: previous,
		})
	}
	c.lastDirection = dir

	// Compare against the remaining room instead of adding, so a large step
	// saturates at the bound rather than wrapping.
	switch {
	case dir == dirHarder && previous-c.minValue <= c.stepSize:
		c.currentValue = c.minValue
	case dir == dirHarder:
		c.currentValue = previous - c.stepSize
	case c.maxValue-previous <= c.stepSize:
		c.currentValue = c.maxValue
	default:
		c.currentValue = previous + c.stepSize
	}
}

// ResetCounters clears both streak counters without touching the value.
func (c *Classic) ResetCounters() {
	c.consecutiveCorrect = 0
	c.consecutiveIncorrect = 0
}

// Summary snapshots the track for logging. Slices are copies.
func (c *Classic) Summary() ConditionSummary {
	return ConditionSummary{
		Method:            MethodClassic,
		TargetCorrectRate: c.targetCorrectRate,
		NUp:               c.nUp,
		NDown:             c.nDown,
		StepSize:          c.stepSize,
		InitialValue:      c.valueHistory[0],
		FinalValue:        c.currentValue,
		TotalTrials:       c.totalTrials,
		CorrectTrials:     c.correctTrials,
		CurrentAccuracy:   c.Accuracy(),
		ReversalCount:     len(c.reversalPoints),
		ValueHistory:      append([]int(nil), c.valueHistory...),
		ReversalPoints:    append([]ReversalPoint{}, c.reversalPoints...),
	}
}
