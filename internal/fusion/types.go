// Package fusion implements the delayed-state Extended Kalman Filter core
// for loosely-coupled IMU + aiding-sensor inertial navigation, following
// the ring-buffered history / covariance fast-forward design of the
// ethzasl_sensor_fusion SSF_Core.
package fusion

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// Dimensions of the nominal and error state. The nominal state stores
// quaternions as full 4-vectors; the error state linearizes each
// attitude as a 3-vector small-angle perturbation, so NError < number
// of nominal scalars.
const (
	NError       = 25  // error-state dimension
	BufferSize   = 256 // ring buffer capacity, coupled to the 8-bit cursor
	ImuCacheSize = 64  // pre-init IMU sample cache size
	FuzzyWindow  = 30  // rolling window for the q_wv fuzzy-tracking monitor
)

// Error-state block offsets into the 25x25 covariance, in the order
// [δp, δv, δθ_iw, δb_w, δb_a, δL, δθ_wv, δθ_ci, δp_ci].
const (
	ErrP   = 0  // δp, 3
	ErrV   = 3  // δv, 3
	ErrQ   = 6  // δθ_iw, 3
	ErrBw  = 9  // δb_w, 3
	ErrBa  = 12 // δb_a, 3
	ErrL   = 15 // δL, 1
	ErrQwv = 16 // δθ_wv, 3
	ErrQci = 19 // δθ_ci, 3
	ErrPci = 22 // δp_ci, 3
)

// NominalState is the full-dimensional estimate the error state
// linearizes around. Quaternions are always kept unit-norm.
type NominalState struct {
	P   [3]float64 // position, world frame
	V   [3]float64 // velocity, world frame
	Qiw Quat       // attitude, world->IMU
	Bw  [3]float64 // gyro bias
	Ba  [3]float64 // accelerometer bias
	L   float64    // visual scale, L > 0
	Qwv Quat       // world->vision rotation
	Qci Quat       // IMU->camera rotation
	Pci [3]float64 // IMU->camera translation
}

// Clone returns a deep copy; NominalState has no reference fields so a
// plain value copy suffices, but Clone documents the intent at call
// sites that revert a slot on numerical failure.
func (s NominalState) Clone() NominalState { return s }

// ImuSample is one raw IMU observation.
type ImuSample struct {
	T     time.Time
	Wm    [3]float64 // raw gyro
	Am    [3]float64 // raw accel
	Mm    [3]float64 // optional magnetometer; zero value if absent
	HasMm bool
	Qm    Quat // optional IMU-internal attitude estimate, used as a pseudo-measurement by some aiding sensors
	HasQm bool
}

// StateRecord is one ring-buffer slot: a nominal state, the IMU inputs
// that produced it, the error-state covariance at that time, and the
// slot's timestamp.
type StateRecord struct {
	Nominal NominalState
	Cov     *mat.SymDense // 25x25, symmetric PSD
	Imu     ImuSample     // the sample that produced this slot
	Time    time.Time
}

// cloneCov deep-copies a covariance matrix so fast-forward and revert
// operations never alias a record another goroutine might still read.
func cloneCov(p *mat.SymDense) *mat.SymDense {
	n := p.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(p)
	return out
}

// clone returns a deep copy of the record suitable for snapshotting
// before a risky in-place mutation, so a slot can be reverted if an
// update goes non-finite.
func (r StateRecord) clone() StateRecord {
	return StateRecord{
		Nominal: r.Nominal.Clone(),
		Cov:     cloneCov(r.Cov),
		Imu:     r.Imu,
		Time:    r.Time,
	}
}
