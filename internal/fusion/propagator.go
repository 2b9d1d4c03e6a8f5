package fusion

import "gonum.org/v1/gonum/mat"

// ProcessNoise holds the continuous-time noise densities for the
// gyro, accel, and their random-walk biases, consumed when building
// Q_d.
type ProcessNoise struct {
	SigmaW  float64 // gyro noise density
	SigmaA  float64 // accel noise density
	SigmaBw float64 // gyro bias random-walk density
	SigmaBa float64 // accel bias random-walk density
}

// DefaultProcessNoise returns conservative densities suitable for a
// consumer-grade MEMS IMU; callers should override from configuration.
func DefaultProcessNoise() ProcessNoise {
	return ProcessNoise{
		SigmaW:  1e-3,
		SigmaA:  1e-2,
		SigmaBw: 1e-6,
		SigmaBa: 1e-5,
	}
}

func sub3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func add3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func scale3(a [3]float64, s float64) [3]float64 {
	return [3]float64{a[0] * s, a[1] * s, a[2] * s}
}

func mean3(a, b [3]float64) [3]float64 {
	return scale3(add3(a, b), 0.5)
}

// skew returns the 3x3 skew-symmetric matrix of v, [v]x.
func skew(v [3]float64) [3][3]float64 {
	return [3][3]float64{
		{0, -v[2], v[1]},
		{v[2], 0, -v[0]},
		{-v[1], v[0], 0},
	}
}

func matVec3(m [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

// propagateMean advances the nominal state by one IMU step using
// median-of-endpoints integration of gyro and accel, closed-form
// quaternion exponential attitude update, and trapezoidal velocity and
// position integration.
func propagateMean(prev NominalState, prevImu, curImu ImuSample, dt float64, g [3]float64) NominalState {
	next := prev

	// median-of-endpoints angular rate and specific force, bias-corrected
	wBar := mean3(sub3(prevImu.Wm, prev.Bw), sub3(curImu.Wm, prev.Bw))
	aBar := mean3(sub3(prevImu.Am, prev.Ba), sub3(curImu.Am, prev.Ba))

	// attitude at the propagation midpoint, for rotating aBar into world
	qMid := prev.Qiw.InjectSmallAngle(scale3(wBar, dt*0.5))
	aWorldMid := qMid.RotateVec(aBar)
	aWorldNoGrav := add3(aWorldMid, g)

	// trapezoidal velocity and position integration
	vPrev := prev.V
	next.V = add3(prev.V, scale3(aWorldNoGrav, dt))
	next.P = add3(prev.P, scale3(mean3(vPrev, next.V), dt))

	// closed-form quaternion exponential update, first/second-order
	// terms handled inside ExpMap for numerical stability near dt=0
	next.Qiw = prev.Qiw.Mul(ExpMap(wBar, dt)).Normalized()

	// biases, scale, and extrinsics are constant across propagation
	next.Bw = prev.Bw
	next.Ba = prev.Ba
	next.L = prev.L
	next.Qwv = prev.Qwv
	next.Qci = prev.Qci
	next.Pci = prev.Pci

	return next
}

// buildFd builds the 25x25 discrete process matrix linearized around
// the nominal state at the start of the step: position
// depends on velocity, velocity depends on attitude (via rotated
// specific force) and accel bias, attitude depends on gyro bias, biases
// are random walks, and scale/q_wv/q_ci/p_ci are constant (identity
// rows).
func buildFd(prev NominalState, aBar [3]float64, dt float64) *mat.Dense {
	F := mat.NewDense(NError, NError, nil)
	for i := 0; i < NError; i++ {
		F.Set(i, i, 1.0)
	}

	// δp += δv * dt
	for i := 0; i < 3; i++ {
		F.Set(ErrP+i, ErrV+i, dt)
	}

	// δv += -[R*aBar]x * δθ_iw * dt  (attitude error couples into velocity
	// through the rotated specific force)
	Riw := prev.Qiw.ToRotMat()
	Ra := matVec3(Riw, aBar)
	skewRa := skew(Ra)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			F.Set(ErrV+i, ErrQ+j, -skewRa[i][j]*dt)
		}
	}

	// δv += -R * δb_a * dt
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			F.Set(ErrV+i, ErrBa+j, -Riw[i][j]*dt)
		}
	}

	// δθ_iw += -δb_w * dt  (gyro bias couples directly into attitude error)
	for i := 0; i < 3; i++ {
		F.Set(ErrQ+i, ErrBw+i, -dt)
	}

	return F
}

// buildQd builds the discrete process-noise mapping from the configured
// continuous-time densities, scaled by dt. Off-diagonal coupling
// between position and velocity noise is omitted; the densities are
// configured per axis group, so Q_d stays diagonal.
func buildQd(pn ProcessNoise, dt float64) *mat.SymDense {
	Q := mat.NewSymDense(NError, nil)
	velNoise := pn.SigmaA * pn.SigmaA * dt
	attNoise := pn.SigmaW * pn.SigmaW * dt
	bwNoise := pn.SigmaBw * pn.SigmaBw * dt
	baNoise := pn.SigmaBa * pn.SigmaBa * dt

	for i := 0; i < 3; i++ {
		Q.SetSym(ErrV+i, ErrV+i, velNoise)
		Q.SetSym(ErrQ+i, ErrQ+i, attNoise)
		Q.SetSym(ErrBw+i, ErrBw+i, bwNoise)
		Q.SetSym(ErrBa+i, ErrBa+i, baNoise)
	}
	return Q
}

// propagateCov advances the covariance P <- F_d P F_d^T + Q_d and
// re-symmetrizes the result.
func propagateCov(P *mat.SymDense, Fd *mat.Dense, Qd *mat.SymDense) *mat.SymDense {
	n := P.SymmetricDim()

	var FP mat.Dense
	FP.Mul(Fd, P)

	var FPFt mat.Dense
	FPFt.Mul(&FP, Fd.T())

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.5*(FPFt.At(i, j)+FPFt.At(j, i)) + Qd.At(i, j)
			out.SetSym(i, j, v)
		}
	}
	return out
}
