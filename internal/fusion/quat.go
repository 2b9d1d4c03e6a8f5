package fusion

import "math"

// Quat is a Hamilton quaternion (w, x, y, z) representing a rotation.
// Unit-norm quaternions are the only ones this package stores; callers
// must renormalize after any additive perturbation.
type Quat struct {
	W, X, Y, Z float64
}

// IdentityQuat returns the identity rotation.
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// Norm returns the Euclidean norm of q.
func (q Quat) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalized returns q scaled to unit norm. Returns the identity if q is
// degenerate (zero norm), which should never happen on a healthy filter.
func (q Quat) Normalized() Quat {
	n := q.Norm()
	if n < 1e-12 {
		return IdentityQuat()
	}
	return Quat{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// Mul returns the Hamilton product q ⊗ r.
func (q Quat) Mul(r Quat) Quat {
	return Quat{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Conj returns the conjugate (inverse, for unit quaternions) of q.
func (q Quat) Conj() Quat {
	return Quat{W: q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
}

// RotateVec rotates v (world/body frame per the quaternion's convention)
// by q, i.e. returns q ⊗ (0,v) ⊗ q*.
func (q Quat) RotateVec(v [3]float64) [3]float64 {
	p := Quat{W: 0, X: v[0], Y: v[1], Z: v[2]}
	r := q.Mul(p).Mul(q.Conj())
	return [3]float64{r.X, r.Y, r.Z}
}

// ToRotMat returns the 3x3 rotation matrix equivalent to q, row-major.
func (q Quat) ToRotMat() [3][3]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// ExpMap returns the quaternion exponential of a pure rotation vector w
// scaled by dt: the closed-form increment exp(½·w·dt) used both for gyro
// integration and for small-angle error injection. Uses first- and
// second-order terms around theta = 0 so dt = 0 and vanishingly small
// rates are numerically stable.
func ExpMap(w [3]float64, dt float64) Quat {
	halfTheta := [3]float64{0.5 * w[0] * dt, 0.5 * w[1] * dt, 0.5 * w[2] * dt}
	angle := math.Sqrt(halfTheta[0]*halfTheta[0] + halfTheta[1]*halfTheta[1] + halfTheta[2]*halfTheta[2])

	var cosTerm, sincTerm float64
	if angle < 1e-8 {
		// second-order Taylor expansion of cos/sinc near zero
		cosTerm = 1 - angle*angle/2
		sincTerm = 1 - angle*angle/6
	} else {
		cosTerm = math.Cos(angle)
		sincTerm = math.Sin(angle) / angle
	}

	return Quat{
		W: cosTerm,
		X: sincTerm * halfTheta[0],
		Y: sincTerm * halfTheta[1],
		Z: sincTerm * halfTheta[2],
	}.Normalized()
}

// InjectSmallAngle applies the right-multiplicative small-angle update
// q ← q ⊗ exp(½·δθ) used for both gyro propagation and error-state
// correction injection.
func (q Quat) InjectSmallAngle(deltaTheta [3]float64) Quat {
	return q.Mul(ExpMap(deltaTheta, 1.0)).Normalized()
}

// Components returns (w,x,y,z) for rolling-median sampling by the
// fuzzy-tracking monitor.
func (q Quat) Components() [4]float64 {
	return [4]float64{q.W, q.X, q.Y, q.Z}
}
