// Package stats implements the frequentist significance test for experiments.
//
// The test is a two-sided two-proportion z-test on aggregate counts with a
// Wald confidence interval on the rate difference. It is a pure function of
// its inputs: identical counts always produce identical results.
package stats

import (
	"errors"
	"fmt"
	"math"
)

// Defaults applied when a Config field is zero.
const (
	DefaultSignificanceThreshold = 0.05
	DefaultConfidenceLevel       = 0.95
)

// ErrInsufficientData indicates a test over an arm with no exposures. Callers
// gate on a minimum sample size first; this guard stands on its own anyway.
var ErrInsufficientData = errors.New("insufficient data for significance test")

// ErrInvalidCounts indicates negative counts or more successes than trials.
var ErrInvalidCounts = errors.New("invalid counts for significance test")

// Config tunes the decision threshold and the reported interval level.
type Config struct {
	// SignificanceThreshold is the p-value cutoff below which the result is
	// flagged significant.
	SignificanceThreshold float64
	// ConfidenceLevel is the coverage of the reported interval, e.g. 0.95.
	ConfidenceLevel float64
}

func (c Config) withDefaults() Config {
	if c.SignificanceThreshold <= 0 {
		c.SignificanceThreshold = DefaultSignificanceThreshold
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		c.ConfidenceLevel = DefaultConfidenceLevel
	}
	return c
}

// ConfidenceInterval bounds the true difference pA - pB.
type ConfidenceInterval struct {
	Lower float64
	Upper float64
	Level float64
}

// TestResult reports the outcome of one two-proportion test.
type TestResult struct {
	ZScore      float64
	PValue      float64
	Interval    ConfidenceInterval
	Significant bool
}

// TwoProportionTest runs a two-sided z-test comparing successesA/trialsA
// against successesB/trialsB.
//
// The z statistic uses the pooled proportion; the confidence interval uses
// the unpooled standard error, as usual for the Wald interval. When both
// observed rates coincide at 0 or 1 the pooled standard error is zero and the
// test reports z = 0, p = 1.
func TwoProportionTest(successesA, trialsA, successesB, trialsB int64, cfg Config) (TestResult, error) {
	cfg = cfg.withDefaults()

	if trialsA == 0 || trialsB == 0 {
		return TestResult{}, ErrInsufficientData
	}
	if successesA < 0 || successesB < 0 || trialsA < 0 || trialsB < 0 {
		return TestResult{}, fmt.Errorf("%w: counts must be non-negative", ErrInvalidCounts)
	}
	if successesA > trialsA || successesB > trialsB {
		return TestResult{}, fmt.Errorf("%w: successes exceed trials", ErrInvalidCounts)
	}

	rateA := float64(successesA) / float64(trialsA)
	rateB := float64(successesB) / float64(trialsB)
	diff := rateA - rateB

	pooled := float64(successesA+successesB) / float64(trialsA+trialsB)
	pooledSE := math.Sqrt(pooled * (1 - pooled) * (1/float64(trialsA) + 1/float64(trialsB)))

	var zScore float64
	pValue := 1.0
	if pooledSE > 0 {
		zScore = diff / pooledSE
		pValue = 2 * (1 - NormalCDF(math.Abs(zScore)))
		if pValue < 0 {
			pValue = 0
		}
		if pValue > 1 {
			pValue = 1
		}
	}

	waldSE := math.Sqrt(rateA*(1-rateA)/float64(trialsA) + rateB*(1-rateB)/float64(trialsB))
	zStar := NormalQuantile(1 - (1-cfg.ConfidenceLevel)/2)
	interval := ConfidenceInterval{
		Lower: diff - zStar*waldSE,
		Upper: diff + zStar*waldSE,
		Level: cfg.ConfidenceLevel,
	}

	return TestResult{
		ZScore:      zScore,
		PValue:      pValue,
		Interval:    interval,
		Significant: pValue < cfg.SignificanceThreshold,
	}, nil
}

// NormalCDF evaluates the standard normal distribution function.
func NormalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// NormalQuantile evaluates the standard normal inverse distribution function
// for p in (0, 1). Values outside the open interval saturate to +/-Inf.
func NormalQuantile(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	return math.Sqrt2 * math.Erfinv(2*p-1)
}
