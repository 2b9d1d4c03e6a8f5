package fusion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/valkyrie-nav/ssf-core/pkg/utils"
)

// CoreConfig holds the tunables that belong to the core itself;
// sensor-specific noise overrides and outlier-rejection ratios live in
// the sensor modules that consume them.
type CoreConfig struct {
	Gravity        [3]float64
	ProcessNoise   ProcessNoise
	FuzzyThreshold float64
	NearestTol     time.Duration
	RetryInterval  time.Duration // TOO_EARLY backoff before retrying a lookup
	SaneStepMax    time.Duration // largest IMU step dt accepted for integration
}

// DefaultCoreConfig returns standard gravity, conservative process
// noise, a loose fuzzy threshold, and a 100ms retry backoff.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Gravity:        [3]float64{0, 0, -9.81},
		ProcessNoise:   DefaultProcessNoise(),
		FuzzyThreshold: 0.1,
		NearestTol:     2 * time.Millisecond,
		RetryInterval:  100 * time.Millisecond,
		SaneStepMax:    500 * time.Millisecond,
	}
}

// Core is the delayed-state EKF core: the ring-buffered state
// history, the IMU-driven propagator, and the delayed measurement
// updater, all serialized behind a single exclusive lock.
type Core struct {
	mu sync.Mutex // the core lock; the propagator and updater are both
	// exclusive writers over a contiguous slot range, so one coarse lock
	// beats per-slot RW locks here.

	cfg    CoreConfig
	buf    *ringBuffer
	fuzzy  *fuzzyMonitor
	logger *logrus.Logger
	warn   *utils.RateLimiter

	slotsWritten   int
	lastImuTime    time.Time
	lastDt         float64
	hasImu         bool
	globalStart    time.Time
	hasGlobalStart bool

	imuCache      [ImuCacheSize]ImuSample
	imuCacheCount int
	imuCacheNext  int

	updateCount   uint64
	rejectedCount uint64
}

// NewCore constructs a Core with an empty buffer, ready for
// Initialize.
func NewCore(cfg CoreConfig, logger *logrus.Logger) *Core {
	if logger == nil {
		logger = utils.Logger
	}
	return &Core{
		cfg:    cfg,
		buf:    newRingBuffer(),
		fuzzy:  newFuzzyMonitor(),
		logger: logger,
		warn:   utils.NewRateLimiter(5 * time.Second),
	}
}

// Initialize writes slot 0 from the caller-supplied seed state and
// covariance and the first observed IMU sample. It is only
// legal before any slot has been written.
func (c *Core) Initialize(seed NominalState, P0 *mat.SymDense, firstImu ImuSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slotsWritten != 0 {
		return fmt.Errorf("fusion: Initialize called after slot 0 already written")
	}

	rec := StateRecord{
		Nominal: seed.Clone(),
		Cov:     cloneCov(P0),
		Imu:     firstImu,
		Time:    firstImu.T,
	}
	c.buf.append(rec) // writes slot 0 since the buffer starts empty
	c.slotsWritten = 1
	c.lastImuTime = firstImu.T
	c.hasImu = true
	c.fuzzy.push(seed.Qwv)

	c.logger.WithFields(logrus.Fields{"time": firstImu.T}).Info("fusion core initialized")
	return nil
}

// SetGlobalStart records the global start epoch and rewrites slot 0's
// time to it. This is the ONLY
// lifecycle violation that aborts the process: calling it before any
// IMU sample has been observed, or after more than one slot has been
// written, leaves the filter with no recoverable time base.
func (c *Core) SetGlobalStart(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasImu {
		c.logger.Fatal("fusion: set_global_start called before any IMU sample was observed, no recoverable time base, aborting")
		return
	}

	if c.slotsWritten != 1 {
		c.logger.WithField("slotsWritten", c.slotsWritten).Fatal("fusion: set_global_start called outside the legal lifecycle window (slot 0 already advanced), aborting")
		return
	}

	if c.hasGlobalStart {
		c.logger.Warn("fusion: set_global_start called again, ignoring")
		return
	}

	c.globalStart = t
	c.hasGlobalStart = true
	rec := c.buf.get(0)
	rec.Time = t
	c.buf.set(0, rec)

	c.logger.WithField("globalStart", t).Info("fusion: global start epoch set")
}

// Reset discards the buffered history and lifecycle state so
// Initialize can seed slot 0 again, backing the init_filter
// configuration pulse. The pre-init IMU cache is kept: samples
// received before the re-seed are still useful for alignment.
func (c *Core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = newRingBuffer()
	c.fuzzy = newFuzzyMonitor()
	c.slotsWritten = 0
	c.hasImu = false
	c.hasGlobalStart = false
	c.lastImuTime = time.Time{}
	c.lastDt = 0

	c.logger.Info("fusion core reset, awaiting re-initialization")
}

// cacheImu records a raw sample in the fixed-size pre-init cache,
// strictly ring-overwriting.
func (c *Core) cacheImu(s ImuSample) {
	c.imuCache[c.imuCacheNext] = s
	c.imuCacheNext = (c.imuCacheNext + 1) % ImuCacheSize
	if c.imuCacheCount < ImuCacheSize {
		c.imuCacheCount++
	}
}

// ImuInputsCache returns up to ImuCacheSize most recently cached raw
// IMU samples, oldest first, for aiding sensors querying pre-init
// alignment data.
func (c *Core) ImuInputsCache() []ImuSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ImuSample, c.imuCacheCount)
	start := (c.imuCacheNext - c.imuCacheCount + ImuCacheSize) % ImuCacheSize
	for i := 0; i < c.imuCacheCount; i++ {
		out[i] = c.imuCache[(start+i)%ImuCacheSize]
	}
	return out
}

// FeedImu propagates the nominal state and covariance by one IMU step
// and appends the result. The core lock is held for the entire
// step. Out-of-order samples are dropped.
func (c *Core) FeedImu(sample ImuSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheImu(sample)

	if c.hasImu && !sample.T.After(c.lastImuTime) {
		utils.WarnRateLimited(c.logger, c.warn, "imu-desync",
			logrus.Fields{"sampleTime": sample.T, "lastImuTime": c.lastImuTime},
			"fusion: dropped out-of-order IMU sample")
		return fmt.Errorf("fusion: IMU sample at %v does not advance past %v", sample.T, c.lastImuTime)
	}
	c.lastImuTime = sample.T
	c.hasImu = true

	if c.slotsWritten == 0 {
		// No seed yet: caller must call Initialize first. We still
		// cache the sample above so Initialize can use it.
		return fmt.Errorf("fusion: %w", ErrNoImuYet)
	}

	// Catch the covariance up to the latest slot before propagating
	// from it: a delayed update may have rewound covConsistent, leaving
	// the latest slot's stored covariance stale.
	latestIdx, latestRec := c.buf.latest()
	fastForwardCov(c.buf, latestIdx, c.cfg.ProcessNoise)
	prev := *latestRec

	dt := sample.T.Sub(prev.Time).Seconds()
	if dt <= 0 || dt > c.cfg.SaneStepMax.Seconds() {
		// sane-step guard: flag the sample and reuse the
		// prior dt rather than integrating across a bogus step.
		utils.WarnRateLimited(c.logger, c.warn, "imu-dt",
			logrus.Fields{"dt": dt, "lastDt": c.lastDt},
			"fusion: IMU step outside sane bounds, reusing prior dt")
		dt = c.lastDt
	} else {
		c.lastDt = dt
	}

	nextNominal := propagateMean(prev.Nominal, prev.Imu, sample, dt, c.cfg.Gravity)

	aBar := mean3(sub3(prev.Imu.Am, prev.Nominal.Ba), sub3(sample.Am, prev.Nominal.Ba))
	Fd := buildFd(prev.Nominal, aBar, dt)
	Qd := buildQd(c.cfg.ProcessNoise, dt)
	nextCov := propagateCov(prev.Cov, Fd, Qd)

	newRec := StateRecord{
		Nominal: nextNominal,
		Cov:     nextCov,
		Imu:     sample,
		Time:    sample.T,
	}
	newIdx := c.buf.append(newRec)
	c.slotsWritten++
	c.buf.covConsistent = newIdx

	return nil
}

// Nearest is the read path for sensor modules: they
// call this to obtain the slot closest in time to a measurement. The
// returned StateRecord is a value copy; callers must treat it as
// read-only and must not assume it stays in sync with the buffer.
func (c *Core) Nearest(t time.Time) (uint8, StateRecord, NearestStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, status := c.buf.nearest(t, c.cfg.NearestTol)
	return idx, c.buf.get(idx), status
}

// BuildHRR is supplied by an aiding-sensor module to construct its
// observation matrix, residual, and noise at the matched slot.
// Implementations must treat rec as read-only.
type BuildHRR func(rec StateRecord) (H *mat.Dense, r *mat.VecDense, R *mat.SymDense, err error)

// ApplyMeasurement is the delayed updater's external write path. It
// locates the slot nearest tMeas, retries under TOO_EARLY by
// releasing the lock and sleeping the configured retry interval,
// and otherwise performs the covariance fast-forward, Joseph-form
// update, correction injection with fuzzy-tracking gate on q_wv, and
// forward re-propagation, all under one lock hold.
func (c *Core) ApplyMeasurement(ctx context.Context, tMeas time.Time, build BuildHRR) (UpdateStatus, error) {
	for {
		c.mu.Lock()

		if !c.hasImu {
			c.mu.Unlock()
			return NoUp, fmt.Errorf("fusion: %w", ErrNoImuYet)
		}
		if c.hasGlobalStart && tMeas.Before(c.globalStart) {
			c.mu.Unlock()
			utils.WarnRateLimited(c.logger, c.warn, "pre-global-start",
				logrus.Fields{"measurementTime": tMeas, "globalStart": c.globalStart},
				"fusion: dropped measurement predating global start epoch")
			return NoUp, fmt.Errorf("fusion: %w", ErrBeforeGlobalStart)
		}

		idx, status := c.buf.nearest(tMeas, c.cfg.NearestTol)
		switch status {
		case TooOld:
			c.rejectedCount++
			c.mu.Unlock()
			return NoUp, fmt.Errorf("fusion: %w", ErrTooOld)

		case TooEarly:
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return NoUp, ErrShutdown
			case <-time.After(c.cfg.RetryInterval):
			}
			continue

		default: // Found
			status, err := c.applyAtLocked(idx, build)
			c.mu.Unlock()
			return status, err
		}
	}
}

// applyAtLocked runs the full delayed update against the matched slot:
// covariance fast-forward, gain solve, Joseph update, correction
// injection, and forward re-propagation. The
// caller must hold c.mu.
func (c *Core) applyAtLocked(idx uint8, build BuildHRR) (UpdateStatus, error) {
	fastForwardCov(c.buf, idx, c.cfg.ProcessNoise)

	rec := c.buf.get(idx)
	snapshot := rec.clone()

	H, r, R, err := build(rec)
	if err != nil {
		return NoUp, fmt.Errorf("fusion: sensor module declined measurement: %w", err)
	}

	P := rec.Cov
	var HP mat.Dense
	HP.Mul(H, P)
	var HPHt mat.Dense
	HPHt.Mul(&HP, H.T())

	rows, _ := H.Dims()
	S := mat.NewDense(rows, rows, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < rows; j++ {
			S.Set(i, j, HPHt.At(i, j)+R.At(i, j))
		}
	}

	K, err := solveGain(P, H, S)
	if err != nil {
		return NoUp, fmt.Errorf("fusion: %w: %v", ErrNumerical, err)
	}

	var delta mat.VecDense
	delta.MulVec(K, r)

	newCov := josephUpdate(P, K, H, R)
	newNominal := applyCorrection(rec.Nominal, &delta)

	dQwv := qwvDelta(&delta)
	fuzzy := c.fuzzy.isFuzzy(rec.Nominal.Qwv.InjectSmallAngle(dQwv), c.cfg.FuzzyThreshold)
	status := GoodUp
	if fuzzy {
		status = FuzzyUp
		// q_wv correction suppressed; drift absorbed rather than applied
	} else {
		newNominal.Qwv = rec.Nominal.Qwv.InjectSmallAngle(dQwv)
		c.fuzzy.push(newNominal.Qwv)
	}

	if !nominalIsFinite(newNominal) || !covIsFinite(newCov) {
		c.buf.set(idx, snapshot)
		c.rejectedCount++
		c.logger.WithField("idx", idx).Warn("fusion: numerical failure after update, slot reverted")
		return NoUp, fmt.Errorf("fusion: %w", ErrNumerical)
	}

	c.buf.set(idx, StateRecord{Nominal: newNominal, Cov: newCov, Imu: rec.Imu, Time: rec.Time})

	repropagateMean(c.buf, idx, c.cfg.Gravity)

	c.updateCount++
	c.logger.WithFields(logrus.Fields{"idx": idx, "status": status.String()}).Debug("fusion: applied delayed measurement")
	return status, nil
}

// Latest returns the logical index and a value copy of the most
// recently appended slot, for publication to downstream consumers.
func (c *Core) Latest() (uint8, StateRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, rec := c.buf.latest()
	return idx, *rec
}

// Stats returns simple counters for observability.
func (c *Core) Stats() (updates, rejected uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateCount, c.rejectedCount
}
