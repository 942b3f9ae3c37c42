package staircase

import "math"

// Logistic returns 1 / (1 + e^-x).
func Logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Logit is the inverse of Logistic: ln(p / (1-p)).
func Logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RoundHalfUp rounds to the nearest integer with ties going toward +Inf,
// so -2.5 rounds to -2 and 2.5 rounds to 3.
func RoundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

// LogSumExp computes ln(Σ e^x) without overflow or underflow by shifting
// every term by the maximum. Empty input and all -Inf input give -Inf.
func LogSumExp(xs []float64) float64 {
	maxVal := math.Inf(-1)
	for _, x := range xs {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// NormalizeLog rescales log-probabilities in place so that their
// exponentials sum to 1. A slice with no finite entries is left untouched.
func NormalizeLog(xs []float64) {
	z := LogSumExp(xs)
	if math.IsInf(z, 0) || math.IsNaN(z) {
		return
	}
	for i := range xs {
		xs[i] -= z
	}
}

// Entropy returns the Shannon entropy (nats) of a distribution given as
// log-probabilities. Zero-probability entries contribute nothing.
func Entropy(logp []float64) float64 {
	var h float64
	for _, lp := range logp {
		p := math.Exp(lp)
		if p > 0 {
			h -= p * lp
		}
	}
	return h
}
