package stats

import (
	"errors"
	"math"
	"testing"
)

func approxEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func TestTwoProportionTestDetectsLargeLift(t *testing.T) {
	t.Parallel()

	// 20% vs 40% on 100 exposures each is a decisive difference.
	result, err := TwoProportionTest(20, 100, 40, 100, Config{})
	if err != nil {
		t.Fatalf("two proportion test: %v", err)
	}

	if !result.Significant {
		t.Fatalf("expected significant result, got p=%v", result.PValue)
	}
	if result.PValue >= 0.05 {
		t.Fatalf("expected p < 0.05, got %v", result.PValue)
	}
	if !approxEqual(result.ZScore, -3.0861, 0.001) {
		t.Fatalf("expected z near -3.0861, got %v", result.ZScore)
	}
	if !approxEqual(result.PValue, 0.00203, 0.0001) {
		t.Fatalf("expected p near 0.00203, got %v", result.PValue)
	}
	if result.Interval.Upper >= 0 {
		t.Fatalf("expected interval excluding zero, got [%v, %v]", result.Interval.Lower, result.Interval.Upper)
	}
}

func TestTwoProportionTestIgnoresSmallLift(t *testing.T) {
	t.Parallel()

	// 20% vs 22% on 100 exposures each is noise.
	result, err := TwoProportionTest(20, 100, 22, 100, Config{})
	if err != nil {
		t.Fatalf("two proportion test: %v", err)
	}

	if result.Significant {
		t.Fatalf("expected non-significant result, got p=%v", result.PValue)
	}
	if !approxEqual(result.PValue, 0.7286, 0.001) {
		t.Fatalf("expected p near 0.7286, got %v", result.PValue)
	}
	if result.Interval.Lower > 0 || result.Interval.Upper < 0 {
		t.Fatalf("expected interval containing zero, got [%v, %v]", result.Interval.Lower, result.Interval.Upper)
	}
}

func TestTwoProportionTestIsDeterministic(t *testing.T) {
	t.Parallel()

	first, err := TwoProportionTest(33, 210, 47, 198, Config{})
	if err != nil {
		t.Fatalf("first test: %v", err)
	}
	second, err := TwoProportionTest(33, 210, 47, 198, Config{})
	if err != nil {
		t.Fatalf("second test: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
}

func TestTwoProportionTestDegenerateInputs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                 string
		succA, nA, succB, nB int64
		wantErr              error
	}{
		{name: "zero trials a", succA: 0, nA: 0, succB: 5, nB: 10, wantErr: ErrInsufficientData},
		{name: "zero trials b", succA: 5, nA: 10, succB: 0, nB: 0, wantErr: ErrInsufficientData},
		{name: "negative successes", succA: -1, nA: 10, succB: 5, nB: 10, wantErr: ErrInvalidCounts},
		{name: "successes exceed trials", succA: 11, nA: 10, succB: 5, nB: 10, wantErr: ErrInvalidCounts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TwoProportionTest(tt.succA, tt.nA, tt.succB, tt.nB, Config{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTwoProportionTestZeroVariance(t *testing.T) {
	t.Parallel()

	// Nobody converted on either arm: no evidence either way.
	result, err := TwoProportionTest(0, 50, 0, 50, Config{})
	if err != nil {
		t.Fatalf("two proportion test: %v", err)
	}
	if result.ZScore != 0 || result.PValue != 1 {
		t.Fatalf("expected z=0 p=1, got z=%v p=%v", result.ZScore, result.PValue)
	}
	if result.Significant {
		t.Fatal("expected non-significant result")
	}
}

func TestTwoProportionTestHonorsConfiguredThreshold(t *testing.T) {
	t.Parallel()

	loose, err := TwoProportionTest(20, 100, 30, 100, Config{SignificanceThreshold: 0.2})
	if err != nil {
		t.Fatalf("loose test: %v", err)
	}
	strict, err := TwoProportionTest(20, 100, 30, 100, Config{SignificanceThreshold: 0.01})
	if err != nil {
		t.Fatalf("strict test: %v", err)
	}
	if loose.PValue != strict.PValue {
		t.Fatalf("threshold must not change the p-value: %v vs %v", loose.PValue, strict.PValue)
	}
	if !loose.Significant || strict.Significant {
		t.Fatalf("expected loose significant and strict not, got %v and %v", loose.Significant, strict.Significant)
	}
}

func TestNormalCDFReferenceValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		z    float64
		want float64
	}{
		{z: 0, want: 0.5},
		{z: 1, want: 0.841345},
		{z: 1.96, want: 0.975002},
		{z: -1.96, want: 0.024998},
		{z: 3.0861, want: 0.998986},
	}

	for _, tt := range tests {
		if got := NormalCDF(tt.z); !approxEqual(got, tt.want, 1e-5) {
			t.Fatalf("NormalCDF(%v) = %v, want %v", tt.z, got, tt.want)
		}
	}
}

func TestNormalQuantileReferenceValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p    float64
		want float64
	}{
		{p: 0.5, want: 0},
		{p: 0.975, want: 1.959964},
		{p: 0.995, want: 2.575829},
		{p: 0.025, want: -1.959964},
	}

	for _, tt := range tests {
		if got := NormalQuantile(tt.p); !approxEqual(got, tt.want, 1e-5) {
			t.Fatalf("NormalQuantile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}

	if got := NormalQuantile(0); !math.IsInf(got, -1) {
		t.Fatalf("NormalQuantile(0) = %v, want -Inf", got)
	}
	if got := NormalQuantile(1); !math.IsInf(got, 1) {
		t.Fatalf("NormalQuantile(1) = %v, want +Inf", got)
	}
}

func TestNormalCDFQuantileRoundTrip(t *testing.T) {
	t.Parallel()

	for _, p := range []float64{0.01, 0.1, 0.25, 0.5, 0.75, 0.9, 0.99} {
		if got := NormalCDF(NormalQuantile(p)); !approxEqual(got, p, 1e-9) {
			t.Fatalf("round trip for %v drifted to %v", p, got)
		}
	}
}
