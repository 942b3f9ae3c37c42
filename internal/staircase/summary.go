package staircase

// ConditionSummary is the per-condition report handed to logging and
// persistence. Both engines fill the same shape; Quest is set only for the
// QUEST engine.
type ConditionSummary struct {
	Method            Method          `json:"method"`
	TargetCorrectRate float64         `json:"targetCorrectRate"`
	NUp               int             `json:"nUp,omitempty"`
	NDown             int             `json:"nDown,omitempty"`
	StepSize          int             `json:"stepSize,omitempty"`
	InitialValue      int             `json:"initialValue"`
	FinalValue        int             `json:"finalValue"`
	TotalTrials       int             `json:"totalTrials"`
	CorrectTrials     int             `json:"correctTrials"`
	CurrentAccuracy   float64         `json:"currentAccuracy"`
	ReversalCount     int             `json:"reversalCount"`
	ValueHistory      []int           `json:"valueHistory"`
	ReversalPoints    []ReversalPoint `json:"reversalPoints"`
	Quest             *QuestSummary   `json:"quest,omitempty"`
}

type QuestSummary struct {
	AlphaMAP float64 `json:"alphaMap"`
	Entropy  float64 `json:"entropy"`
	Beta     float64 `json:"beta"`
	Lapse    float64 `json:"lapse"`
	Guess    float64 `json:"guess"`
	TGuess   float64 `json:"tGuess"`
	TGuessSd float64 `json:"tGuessSd"`
	Updates  int     `json:"updates"`
}

// Summary covers both conditions.
type Summary struct {
	Easy      ConditionSummary `json:"easy"`
	Difficult ConditionSummary `json:"difficult"`
}

// TrialLog is the per-trial estimator snapshot stored next to each response.
// Field names follow the experiment's trial export columns.
type TrialLog struct {
	Method               Method    `json:"staircase_method"`
	Condition            Condition `json:"staircase_difficulty"`
	Value                int       `json:"dot_difference"`
	TrialsSoFar          int       `json:"staircase_trials"`
	RunningAccuracy      float64   `json:"staircase_accuracy"`
	TargetRate           float64   `json:"staircase_target_rate"`
	Reversals            *int      `json:"staircase_reversals,omitempty"`
	ConsecutiveCorrect   *int      `json:"consecutive_correct,omitempty"`
	ConsecutiveIncorrect *int      `json:"consecutive_incorrect,omitempty"`
	AlphaMAP             *float64  `json:"quest_alpha_map,omitempty"`
	Entropy              *float64  `json:"quest_entropy,omitempty"`
	Beta                 *float64  `json:"quest_beta,omitempty"`
	Lapse                *float64  `json:"quest_lapse,omitempty"`
	Guess                *float64  `json:"quest_guess,omitempty"`
}
