package fusion

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

func TestSolveGainMatchesClosedForm(t *testing.T) {
	// A 1-dimensional toy case where K = P*H^T / (H*P*H^T + R) has an
	// obvious closed form, to sanity-check the Cholesky-free solve path.
	P := mat.NewSymDense(1, []float64{4.0})
	H := mat.NewDense(1, 1, []float64{1.0})
	S := mat.NewDense(1, 1, []float64{4.0 + 1.0}) // H P H^T + R, R = 1

	K, err := solveGain(P, H, S)
	if err != nil {
		t.Fatalf("solveGain: %v", err)
	}
	want := 4.0 / 5.0
	if math.Abs(K.At(0, 0)-want) > 1e-9 {
		t.Fatalf("K = %v, want %v", K.At(0, 0), want)
	}
}

func TestJosephUpdateReducesVariance(t *testing.T) {
	P := mat.NewSymDense(1, []float64{4.0})
	H := mat.NewDense(1, 1, []float64{1.0})
	R := mat.NewSymDense(1, []float64{1.0})
	S := mat.NewDense(1, 1, []float64{5.0})

	K, err := solveGain(P, H, S)
	if err != nil {
		t.Fatalf("solveGain: %v", err)
	}

	out := josephUpdate(P, K, H, R)
	if out.At(0, 0) >= P.At(0, 0) {
		t.Fatalf("post-update variance %v did not shrink below prior %v", out.At(0, 0), P.At(0, 0))
	}
	if out.At(0, 0) <= 0 {
		t.Fatalf("post-update variance %v must stay positive", out.At(0, 0))
	}
}

func TestApplyCorrectionLeavesQwvUntouched(t *testing.T) {
	n := NominalState{Qiw: IdentityQuat(), Qwv: IdentityQuat(), Qci: IdentityQuat(), L: 1}
	delta := mat.NewVecDense(NError, nil)
	delta.SetVec(ErrQwv, 0.5)
	delta.SetVec(ErrP, 1.0)

	out := applyCorrection(n, delta)
	if out.Qwv != IdentityQuat() {
		t.Fatalf("Qwv = %+v, want untouched identity", out.Qwv)
	}
	if out.P[0] != 1.0 {
		t.Fatalf("P[0] = %v, want 1.0", out.P[0])
	}
}

// seedBuffer builds a small ring of records with stored IMU inputs, a
// seeded covariance at slot 0 only, and covConsistent left at 0, so
// fast-forward tests start from a known lazy state.
func seedBuffer(t *testing.T, n int) *ringBuffer {
	t.Helper()
	b := newRingBuffer()
	base := time.Unix(5000, 0)
	seed := NominalState{Qiw: IdentityQuat(), Qwv: IdentityQuat(), Qci: IdentityQuat(), L: 1}

	P0 := mat.NewSymDense(NError, nil)
	for i := 0; i < NError; i++ {
		P0.SetSym(i, i, 0.5)
	}
	b.append(StateRecord{Nominal: seed, Cov: P0, Imu: ImuSample{T: base, Am: [3]float64{0, 0, 9.81}}, Time: base})

	for i := 1; i < n; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Millisecond)
		b.append(StateRecord{
			Nominal: seed,
			Cov:     mat.NewSymDense(NError, nil),
			Imu:     ImuSample{T: ts, Am: [3]float64{0, 0, 9.81}},
			Time:    ts,
		})
	}
	return b
}

func TestFastForwardCovBatchEqualsStepwise(t *testing.T) {
	pn := DefaultProcessNoise()

	batch := seedBuffer(t, 4)
	fastForwardCov(batch, 3, pn)

	stepwise := seedBuffer(t, 4)
	for idx := uint8(1); idx <= 3; idx++ {
		fastForwardCov(stepwise, idx, pn)
	}

	got := batch.get(3).Cov
	want := stepwise.get(3).Cov
	for i := 0; i < NError; i++ {
		for j := 0; j < NError; j++ {
			if got.At(i, j) != want.At(i, j) {
				t.Fatalf("batch vs stepwise fast-forward diverge at (%d,%d): %v vs %v", i, j, got.At(i, j), want.At(i, j))
			}
		}
	}
	if batch.covConsistent != 3 || stepwise.covConsistent != 3 {
		t.Fatalf("covConsistent = (%d, %d), want (3, 3)", batch.covConsistent, stepwise.covConsistent)
	}
}

func TestFastForwardCovIgnoresTargetBehindConsistentCursor(t *testing.T) {
	pn := DefaultProcessNoise()
	b := seedBuffer(t, 4)
	fastForwardCov(b, 3, pn)

	before := cloneCov(b.get(1).Cov)
	fastForwardCov(b, 1, pn)

	if b.covConsistent != 3 {
		t.Fatalf("covConsistent rewound to %d by a backwards fast-forward, want 3", b.covConsistent)
	}
	after := b.get(1).Cov
	for i := 0; i < NError; i++ {
		for j := 0; j < NError; j++ {
			if after.At(i, j) != before.At(i, j) {
				t.Fatalf("backwards fast-forward touched the covariance at slot 1 (%d,%d)", i, j)
			}
		}
	}
}

func TestNominalIsFiniteRejectsNaN(t *testing.T) {
	n := NominalState{Qiw: IdentityQuat(), L: 1}
	n.P[0] = math.NaN()
	if nominalIsFinite(n) {
		t.Fatal("a NaN position component must fail the finiteness check")
	}
}

func TestNominalIsFiniteRejectsNonPositiveScale(t *testing.T) {
	n := NominalState{Qiw: IdentityQuat(), L: 0}
	if nominalIsFinite(n) {
		t.Fatal("a non-positive scale must fail the finiteness check")
	}
}
