package fusion

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// fastForwardCov advances the covariance from the buffer's
// covariance-consistent index up to idx, re-running the covariance half
// of the propagation step on each intervening record using that
// record's own stored IMU inputs and dt; the mean is never touched
// here.
func fastForwardCov(b *ringBuffer, to uint8, pn ProcessNoise) {
	from := b.covConsistent
	// Judge logical order relative to the oldest retained slot so the
	// wrapping cursors compare correctly. A target at or behind the
	// consistent cursor already has an up-to-date covariance (the hot
	// IMU path propagated it), so there is nothing to do; walking
	// forwardIndices the wrong way round the ring would visit hundreds
	// of unrelated slots.
	oldest := b.oldestRetained()
	if uint8(to-oldest) <= uint8(from-oldest) {
		return
	}
	for _, idx := range forwardIndices(from, to) {
		prev := b.get(idx - 1)
		cur := b.ref(idx)

		dt := cur.Time.Sub(prev.Time).Seconds()
		aBar := mean3(sub3(prev.Imu.Am, prev.Nominal.Ba), sub3(cur.Imu.Am, prev.Nominal.Ba))

		Fd := buildFd(prev.Nominal, aBar, dt)
		Qd := buildQd(pn, dt)
		cur.Cov = propagateCov(prev.Cov, Fd, Qd)
	}
	b.covConsistent = to
}

// repropagateMean re-runs mean propagation from idx forward to the
// latest slot after a delayed correction changed the nominal state the
// subsequent steps were linearized about. Covariance on
// those slots is left untouched here; it is invalidated by rewinding
// covConsistent back to idx, and is caught up lazily by the next
// fastForwardCov call.
func repropagateMean(b *ringBuffer, idx uint8, gravity [3]float64) {
	latestIdx, _ := b.latest()
	for _, k := range forwardIndices(idx, latestIdx) {
		prev := b.get(k - 1)
		cur := b.ref(k)
		dt := cur.Time.Sub(prev.Time).Seconds()
		cur.Nominal = propagateMean(prev.Nominal, prev.Imu, cur.Imu, dt, gravity)
	}
	b.covConsistent = idx
}

// solveGain computes K = P * H^T * S^-1 by solving S^T * K^T = H * P for
// K^T rather than forming an explicit inverse of S.
func solveGain(P *mat.SymDense, H, S *mat.Dense) (*mat.Dense, error) {
	var HP mat.Dense
	HP.Mul(H, P)

	var ST mat.Dense
	ST.CloneFrom(S.T())

	var Kt mat.Dense
	if err := Kt.Solve(&ST, &HP); err != nil {
		return nil, err
	}

	var K mat.Dense
	K.CloneFrom(Kt.T())
	return &K, nil
}

// josephUpdate applies the symmetric-preserving covariance update
// P <- (I-KH) P (I-KH)^T + K R K^T and re-symmetrizes.
func josephUpdate(P *mat.SymDense, K, H *mat.Dense, R *mat.SymDense) *mat.SymDense {
	n := P.SymmetricDim()

	var KH mat.Dense
	KH.Mul(K, H)

	I := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		I.Set(i, i, 1.0)
	}

	var IKH mat.Dense
	IKH.Sub(I, &KH)

	var PIKHt mat.Dense
	PIKHt.Mul(P, IKH.T())

	var term1 mat.Dense
	term1.Mul(&IKH, &PIKHt)

	var KR mat.Dense
	KR.Mul(K, R)

	var KRKt mat.Dense
	KRKt.Mul(&KR, K.T())

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.5 * (term1.At(i, j) + term1.At(j, i) + KRKt.At(i, j) + KRKt.At(j, i))
			out.SetSym(i, j, v)
		}
	}
	return out
}

// applyCorrection injects an additive error-state correction vector
// into a nominal state: ℝ-valued blocks add directly, quaternion blocks
// inject via the right-multiplicative small-angle update. The q_wv block is the caller's responsibility to gate on
// the fuzzy check, so it is applied separately by the caller, not here.
func applyCorrection(n NominalState, delta *mat.VecDense) NominalState {
	out := n
	d := func(i int) float64 { return delta.AtVec(i) }

	out.P = add3(out.P, [3]float64{d(ErrP), d(ErrP + 1), d(ErrP + 2)})
	out.V = add3(out.V, [3]float64{d(ErrV), d(ErrV + 1), d(ErrV + 2)})
	out.Qiw = out.Qiw.InjectSmallAngle([3]float64{d(ErrQ), d(ErrQ + 1), d(ErrQ + 2)})
	out.Bw = add3(out.Bw, [3]float64{d(ErrBw), d(ErrBw + 1), d(ErrBw + 2)})
	out.Ba = add3(out.Ba, [3]float64{d(ErrBa), d(ErrBa + 1), d(ErrBa + 2)})
	out.L = out.L + d(ErrL)
	out.Qci = out.Qci.InjectSmallAngle([3]float64{d(ErrQci), d(ErrQci + 1), d(ErrQci + 2)})
	out.Pci = add3(out.Pci, [3]float64{d(ErrPci), d(ErrPci + 1), d(ErrPci + 2)})
	// Qwv intentionally left untouched; caller applies or suppresses it
	// based on the fuzzy-tracking verdict.
	return out
}

// qwvDelta extracts the q_wv small-angle block of a correction vector.
func qwvDelta(delta *mat.VecDense) [3]float64 {
	return [3]float64{delta.AtVec(ErrQwv), delta.AtVec(ErrQwv + 1), delta.AtVec(ErrQwv + 2)}
}

// nominalIsFinite reports whether every scalar in n is finite and the
// scale is positive.
func nominalIsFinite(n NominalState) bool {
	vals := []float64{
		n.P[0], n.P[1], n.P[2],
		n.V[0], n.V[1], n.V[2],
		n.Qiw.W, n.Qiw.X, n.Qiw.Y, n.Qiw.Z,
		n.Bw[0], n.Bw[1], n.Bw[2],
		n.Ba[0], n.Ba[1], n.Ba[2],
		n.L,
		n.Qwv.W, n.Qwv.X, n.Qwv.Y, n.Qwv.Z,
		n.Qci.W, n.Qci.X, n.Qci.Y, n.Qci.Z,
		n.Pci[0], n.Pci[1], n.Pci[2],
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return n.L > 0
}

func covIsFinite(p *mat.SymDense) bool {
	n := p.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := p.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
