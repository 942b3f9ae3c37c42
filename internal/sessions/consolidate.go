package sessions

import (
	"math"
	"sort"
	"strconv"
)

// Entry is one raw row recorded by the browser task.
type Entry = map[string]any

const (
	componentDisplay     = "dot_display"
	componentResponse    = "dot_response"
	componentConfidence  = "confidence_rating"
	componentPerformance = "performance_rating"
)

// ConsolidatedTrial merges the display, response and confidence rows that
// share a trial number.
type ConsolidatedTrial struct {
	TrialNumber int    `json:"trial_number"`
	TrialType   string `json:"trial_type"`
	TrialIndex  any    `json:"trial_index"`
	TimeElapsed any    `json:"time_elapsed"`

	TaskIndex   any `json:"task_index"`
	TaskColor   any `json:"task_color"`
	BlockNumber any `json:"block_number"`
	IsEasy      any `json:"is_easy"`
	HasFeedback any `json:"has_feedback"`
	IsPractice  any `json:"is_practice"`

	MoreSide            any `json:"more_side"`
	DotDifference       any `json:"dot_difference"`
	StaircaseMethod     any `json:"staircase_method"`
	StaircaseTargetRate any `json:"staircase_target_rate"`
	QuestAlphaMap       any `json:"quest_alpha_map"`
	QuestEntropy        any `json:"quest_entropy"`
	QuestBeta           any `json:"quest_beta"`
	QuestLapse          any `json:"quest_lapse"`
	QuestGuess          any `json:"quest_guess"`

	ResponseKey             any  `json:"response_key"`
	ResponseSide            any  `json:"response_side"`
	ResponseRT              any  `json:"response_rt"`
	Correct                 any  `json:"correct"`
	ResponseMatchesMoreSide bool `json:"response_matches_more_side"`

	ConfidenceRating any `json:"confidence_rating"`
	ConfidenceRT     any `json:"confidence_rt"`

	NewDotDifference any `json:"new_dot_difference"`

	TrialStartTime float64 `json:"trial_start_time"`
	TrialEndTime   float64 `json:"trial_end_time"`
	TrialDuration  float64 `json:"trial_duration"`
}

// PerformanceRating is a block-level self-assessment row.
type PerformanceRating struct {
	TrialType           string `json:"trial_type"`
	TrialIndex          any    `json:"trial_index"`
	TimeElapsed         any    `json:"time_elapsed"`
	BlockNumber         any    `json:"block_number"`
	TaskColor           any    `json:"task_color"`
	TaskType            any    `json:"task_type"`
	TaskIndex           any    `json:"task_index"`
	PerformanceEstimate any    `json:"performance_estimate"`
	PerformanceRT       any    `json:"performance_rt"`
	TrialNumber         any    `json:"trial_number"`
}

// ConsolidateTrials turns raw rows into one row per trial, sorted by trial
// number, followed by the performance ratings in their original order. Rows
// without a trial number are dropped, as are trials missing a display or a
// response row. The second result lists the trial numbers dropped for a
// missing component.
func ConsolidateTrials(raw []Entry) ([]any, []int) {
	groups := make(map[int][]Entry)
	var ratings []Entry

	for _, e := range raw {
		if e["trial_component"] == componentPerformance {
			ratings = append(ratings, e)
			continue
		}
		n, ok := trialNumber(e["trial_number"])
		if !ok {
			continue
		}
		groups[n] = append(groups[n], e)
	}

	numbers := make([]int, 0, len(groups))
	for n := range groups {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	out := make([]any, 0, len(numbers)+len(ratings))
	var incomplete []int
	for _, n := range numbers {
		t, ok := consolidateTrial(n, groups[n])
		if !ok {
			incomplete = append(incomplete, n)
			continue
		}
		out = append(out, t)
	}
	for _, r := range ratings {
		out = append(out, performanceRating(r))
	}
	return out, incomplete
}

func consolidateTrial(n int, components []Entry) (ConsolidatedTrial, bool) {
	display := findComponent(components, componentDisplay)
	response := findComponent(components, componentResponse)
	confidence := findComponent(components, componentConfidence)
	if display == nil || response == nil {
		return ConsolidatedTrial{}, false
	}

	t := ConsolidatedTrial{
		TrialNumber: n,
		TrialType:   "dot_task",
		TrialIndex:  response["trial_index"],
		TimeElapsed: response["time_elapsed"],

		TaskIndex:   display["task_index"],
		TaskColor:   display["task_color"],
		BlockNumber: display["block_number"],
		IsEasy:      display["is_easy"],
		HasFeedback: display["has_feedback"],
		IsPractice:  display["is_practice"],

		MoreSide:            display["more_side"],
		DotDifference:       display["dot_difference"],
		StaircaseMethod:     nonEmpty(display["staircase_method"]),
		StaircaseTargetRate: display["target_rate"],
		QuestAlphaMap:       display["alpha_map"],
		QuestEntropy:        display["entropy"],
		QuestBeta:           display["beta"],
		QuestLapse:          display["lapse"],
		QuestGuess:          display["guess"],

		ResponseKey:             response["response"],
		ResponseSide:            response["response_side"],
		ResponseRT:              response["rt"],
		Correct:                 response["correct"],
		ResponseMatchesMoreSide: isCorrect(response["correct"]),

		NewDotDifference: response["new_dot_difference"],
	}
	if confidence != nil {
		t.ConfidenceRating = confidence["response"]
		t.ConfidenceRT = confidence["rt"]
	}

	start, end := math.Inf(1), math.Inf(-1)
	for _, c := range components {
		elapsed, ok := number(c["time_elapsed"])
		if !ok {
			continue
		}
		rt, _ := number(c["rt"])
		start = math.Min(start, elapsed-rt)
		end = math.Max(end, elapsed)
	}
	if !math.IsInf(start, 0) {
		t.TrialStartTime = start
		t.TrialEndTime = end
		t.TrialDuration = end - start
	}
	return t, true
}

func performanceRating(r Entry) PerformanceRating {
	return PerformanceRating{
		TrialType:           componentPerformance,
		TrialIndex:          r["trial_index"],
		TimeElapsed:         r["time_elapsed"],
		BlockNumber:         r["block_number"],
		TaskColor:           r["task_color"],
		TaskType:            r["task_type"],
		TaskIndex:           r["task_index"],
		PerformanceEstimate: r["response"],
		PerformanceRT:       r["rt"],
		TrialNumber:         nonEmpty(r["trial_number"]),
	}
}

func findComponent(components []Entry, name string) Entry {
	for _, c := range components {
		if c["trial_component"] == name {
			return c
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func trialNumber(v any) (int, bool) {
	f, ok := number(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func isCorrect(v any) bool {
	switch c := v.(type) {
	case bool:
		return c
	default:
		f, ok := number(v)
		return ok && f == 1
	}
}

// nonEmpty maps missing, empty and zero values to nil.
func nonEmpty(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
	case float64:
		if x == 0 {
			return nil
		}
	case bool:
		if !x {
			return nil
		}
	}
	return v
}
