// Package visionpose turns vision-pose observations into delayed
// measurement updates against the fusion core. Per-sensor H/r/R
// construction is a sensor-module concern, not the core's; this
// handler builds a position observation at the matched slot, applies
// the variance-ratio and residual outlier gates, and can fold the
// IMU's own attitude estimate in as a pseudo-measurement.
package visionpose

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/valkyrie-nav/ssf-core/internal/fusion"
)

// Config holds the sensor-side tunables, consumed by this module and
// never by the core itself.
type Config struct {
	// MeasNoisePosition and MeasNoiseAttitude are the default
	// measurement noise densities.
	MeasNoisePosition float64
	MeasNoiseAttitude float64

	// MaxStateMeasurementVarianceRatio guards against a reported
	// measurement variance implausibly small relative to the filter's
	// own predicted variance.
	MaxStateMeasurementVarianceRatio float64

	// SigmaDistanceScale scales the residual-norm outlier gate (default 10).
	SigmaDistanceScale float64

	// UsePseudoAttitude folds the IMU's own q_m into the observation as
	// a partial attitude measurement.
	UsePseudoAttitude bool
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MeasNoisePosition:                0.1,
		MeasNoiseAttitude:                0.17,
		MaxStateMeasurementVarianceRatio: 30.0,
		SigmaDistanceScale:               10.0,
	}
}

// Measurement is one vision-pose observation: a position in the
// vision/aiding frame, and the timestamp it refers to.
type Measurement struct {
	T        time.Time
	Position [3]float64 // vision-frame position, as reported by the aiding sensor
}

// Handler wraps a fusion.Core and turns Measurement values into
// apply_measurement calls.
type Handler struct {
	core   *fusion.Core
	cfg    Config
	logger *logrus.Logger

	droppedOutliers uint64
	accepted        uint64
}

// NewHandler constructs a Handler bound to core.
func NewHandler(core *fusion.Core, cfg Config, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{core: core, cfg: cfg, logger: logger}
}

// Handle processes one incoming vision-pose measurement: it locates
// the matched slot (retrying under the core's TOO_EARLY backoff),
// builds H/r/R at that slot, applies the variance-ratio and residual
// outlier gates, and submits the correction.
func (h *Handler) Handle(ctx context.Context, m Measurement) (fusion.UpdateStatus, error) {
	status, err := h.core.ApplyMeasurement(ctx, m.T, func(rec fusion.StateRecord) (*mat.Dense, *mat.VecDense, *mat.SymDense, error) {
		return h.buildHRR(rec, m)
	})
	if err != nil {
		return status, err
	}
	h.accepted++
	return status, nil
}

// buildHRR constructs the position observation (H measures p directly
// in the world frame; the full vision-frame/scale/extrinsics nonlinear
// model is left to heavier sensor modules), the residual r = z - h(x),
// and R with the variance-ratio guard folded in. When
// UsePseudoAttitude is set and the matched slot carries an IMU-internal
// attitude estimate (q_m), three more rows fold that estimate in as a
// partial attitude measurement against the attitude error block.
func (h *Handler) buildHRR(rec fusion.StateRecord, m Measurement) (*mat.Dense, *mat.VecDense, *mat.SymDense, error) {
	useAttitude := h.cfg.UsePseudoAttitude && rec.Imu.HasQm
	rows := 3
	if useAttitude {
		rows = 6
	}

	H := mat.NewDense(rows, fusion.NError, nil)
	H.Set(0, fusion.ErrP+0, 1)
	H.Set(1, fusion.ErrP+1, 1)
	H.Set(2, fusion.ErrP+2, 1)

	residualData := []float64{
		m.Position[0] - rec.Nominal.P[0],
		m.Position[1] - rec.Nominal.P[1],
		m.Position[2] - rec.Nominal.P[2],
	}

	posResidual := mat.NewVecDense(3, residualData[:3])

	// sigma-scaled residual-norm outlier gate, using the covariance read
	// from the matched slot. Gated on the position block only, before the
	// pseudo-attitude rows are folded in.
	sigma := math.Sqrt(rec.Cov.At(fusion.ErrP, fusion.ErrP) + rec.Cov.At(fusion.ErrP+1, fusion.ErrP+1) + rec.Cov.At(fusion.ErrP+2, fusion.ErrP+2))
	if norm3(posResidual) > h.cfg.SigmaDistanceScale*sigma && sigma > 0 {
		h.droppedOutliers++
		return nil, nil, nil, fmt.Errorf("%w: residual norm %.4f exceeds %.1f*sigma(%.4f)",
			fusion.ErrOutlier, norm3(posResidual), h.cfg.SigmaDistanceScale, sigma)
	}

	if useAttitude {
		H.Set(3, fusion.ErrQ+0, 1)
		H.Set(4, fusion.ErrQ+1, 1)
		H.Set(5, fusion.ErrQ+2, 1)

		// q_err = Qiw^-1 * q_m: for small misalignment its vector part,
		// doubled, approximates the small-angle rotation from the
		// predicted attitude to the IMU-reported one. Take the short way
		// round the sphere when the scalar part is negative.
		qErr := rec.Nominal.Qiw.Conj().Mul(rec.Imu.Qm)
		if qErr.W < 0 {
			qErr = fusion.Quat{W: -qErr.W, X: -qErr.X, Y: -qErr.Y, Z: -qErr.Z}
		}
		residualData = append(residualData, 2*qErr.X, 2*qErr.Y, 2*qErr.Z)
	}

	residual := mat.NewVecDense(rows, residualData)

	R := mat.NewSymDense(rows, nil)
	baseVar := h.cfg.MeasNoisePosition * h.cfg.MeasNoisePosition
	for i := 0; i < 3; i++ {
		predictedVar := rec.Cov.At(fusion.ErrP+i, fusion.ErrP+i)
		v := baseVar
		// variance-ratio guard: if the filter's own predicted variance
		// is implausibly large relative to the reported measurement
		// variance, inflate R rather than trust an overconfident
		// measurement.
		if predictedVar > v*h.cfg.MaxStateMeasurementVarianceRatio {
			v = predictedVar / h.cfg.MaxStateMeasurementVarianceRatio
		}
		R.SetSym(i, i, v)
	}
	if useAttitude {
		attVar := h.cfg.MeasNoiseAttitude * h.cfg.MeasNoiseAttitude
		R.SetSym(3, 3, attVar)
		R.SetSym(4, 4, attVar)
		R.SetSym(5, 5, attVar)
	}

	return H, residual, R, nil
}

func norm3(v *mat.VecDense) float64 {
	return math.Sqrt(v.AtVec(0)*v.AtVec(0) + v.AtVec(1)*v.AtVec(1) + v.AtVec(2)*v.AtVec(2))
}

// Stats returns acceptance/rejection counters.
func (h *Handler) Stats() (accepted, droppedOutliers uint64) {
	return h.accepted, h.droppedOutliers
}
