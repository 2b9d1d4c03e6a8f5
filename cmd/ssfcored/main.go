// ssfcored is the daemon entrypoint for the delayed-state EKF core:
// it wires the fusion core to an IMU serial source, a vision-pose
// aiding sensor, a telemetry streamer, and a small HTTP status API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/valkyrie-nav/ssf-core/internal/config"
	"github.com/valkyrie-nav/ssf-core/internal/fusion"
	"github.com/valkyrie-nav/ssf-core/internal/imuio"
	"github.com/valkyrie-nav/ssf-core/internal/sensors/visionpose"
	"github.com/valkyrie-nav/ssf-core/internal/telemetry"
	"github.com/valkyrie-nav/ssf-core/pkg/utils"
)

var (
	version = "0.1.0"

	httpPort   = flag.Int("http-port", 8093, "HTTP API port")
	configFile = flag.String("config", "configs/config.yaml", "Configuration file path")

	imuPort = flag.String("imu-port", "/dev/ttyACM0", "IMU serial port")
	imuBaud = flag.Int("imu-baud", 921600, "IMU serial baud rate")
	simMode = flag.Bool("sim", false, "Simulation mode (no real hardware)")

	jwtSecretFlag = flag.String("jwt-secret", "", "telemetry clearance JWT signing secret (env SSF_JWT_SECRET overrides)")
)

// Daemon owns every long-running subsystem wired to the core.
type Daemon struct {
	cfg *config.Config

	core     *fusion.Core
	imu      *imuio.Reader
	vision   *visionpose.Handler
	streamer *telemetry.Streamer
	logger   *logrus.Logger

	httpServer *http.Server
	warn       *utils.RateLimiter

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	flag.Parse()

	logger := utils.Logger
	printBanner(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	d := &Daemon{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.Initialize(); err != nil {
		logger.WithError(err).Fatal("failed to initialize ssfcored")
	}

	if err := d.Start(); err != nil {
		logger.WithError(err).Fatal("failed to start ssfcored")
	}

	logger.Info("ssfcored is running, press Ctrl+C to shut down")
	<-sigChan
	logger.Info("shutdown signal received, stopping gracefully")

	if err := d.Shutdown(); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	logger.Info("ssfcored shutdown complete")
}

// Initialize loads configuration and constructs every subsystem, but
// starts none of them.
func (d *Daemon) Initialize() error {
	d.cfg = config.LoadOrDefault(*configFile)
	utils.SetLogLevel(d.cfg.Log.Level)
	d.warn = utils.NewRateLimiter(time.Second)

	coreCfg := fusion.DefaultCoreConfig()
	coreCfg.Gravity = d.cfg.Gravity
	coreCfg.FuzzyThreshold = d.cfg.FuzzyThreshold
	coreCfg.ProcessNoise = fusion.ProcessNoise{
		SigmaW:  d.cfg.ProcessNoise.SigmaW,
		SigmaA:  d.cfg.ProcessNoise.SigmaA,
		SigmaBw: d.cfg.ProcessNoise.SigmaBw,
		SigmaBa: d.cfg.ProcessNoise.SigmaBa,
	}
	d.core = fusion.NewCore(coreCfg, d.logger)

	d.imu = imuio.NewReader(imuio.Config{
		Port:           *imuPort,
		BaudRate:       *imuBaud,
		SimulationMode: *simMode,
	}, d.logger)

	visionCfg := visionpose.DefaultConfig()
	visionCfg.MaxStateMeasurementVarianceRatio = d.cfg.MaxStateMeasurementVarianceRatio
	visionCfg.SigmaDistanceScale = d.cfg.SigmaDistanceScale
	d.vision = visionpose.NewHandler(d.core, visionCfg, d.logger)

	secret := []byte(*jwtSecretFlag)
	if env := os.Getenv("SSF_JWT_SECRET"); env != "" {
		secret = []byte(env)
	}
	d.streamer = telemetry.NewStreamer(secret, d.logger)

	seed := fusion.NominalState{Qiw: fusion.IdentityQuat(), Qwv: fusion.IdentityQuat(), Qci: fusion.IdentityQuat(), L: d.cfg.ScaleInit}
	P0 := mat.NewSymDense(fusion.NError, nil)
	for i := 0; i < fusion.NError; i++ {
		P0.SetSym(i, i, 1.0)
	}
	firstImu := fusion.ImuSample{T: time.Now()}
	if err := d.core.Initialize(seed, P0, firstImu); err != nil {
		return fmt.Errorf("core initialize: %w", err)
	}
	d.core.SetGlobalStart(firstImu.T)

	return nil
}

// Start launches every subsystem goroutine and the HTTP API.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	go func() {
		if err := d.imu.Run(d.ctx); err != nil && err != context.Canceled {
			d.logger.WithError(err).Error("imu reader stopped")
		}
	}()
	go d.pumpImuSamples()

	go func() {
		if err := d.streamer.Run(d.ctx); err != nil && err != context.Canceled {
			d.logger.WithError(err).Error("telemetry streamer stopped")
		}
	}()
	go d.publishTelemetry()

	if err := d.startHTTPServer(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	d.running = true
	return nil
}

// Shutdown stops every subsystem, waiting briefly for the HTTP server
// to drain in-flight requests.
func (d *Daemon) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.WithError(err).Warn("http shutdown error")
		}
	}
	d.imu.Disconnect()

	d.running = false
	return nil
}

// pumpImuSamples feeds the core from the IMU reader's sample channel.
func (d *Daemon) pumpImuSamples() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case sample, ok := <-d.imu.Samples():
			if !ok {
				return
			}
			if err := d.core.FeedImu(sample); err != nil {
				utils.WarnRateLimited(d.logger, d.warn, "feed-imu",
					logrus.Fields{"err": err}, "ssfcored: FeedImu rejected sample")
			}
		}
	}
}

// publishTelemetry periodically emits the latest fused state.
func (d *Daemon) publishTelemetry() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.publishLatest("propagated")
		}
	}
}

func (d *Daemon) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", d.healthHandler)
	mux.HandleFunc("/api/v1/status", d.statusHandler)
	mux.HandleFunc("/api/v1/state", d.stateHandler)
	mux.HandleFunc("/ws/telemetry", d.streamer.HandleWebSocket)
	mux.HandleFunc("/api/v1/vision/measurement", d.visionMeasurementHandler)

	d.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: mux,
	}

	go func() {
		d.logger.WithField("port", *httpPort).Info("http api listening")
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.WithError(err).Error("http server error")
		}
	}()

	return nil
}

func (d *Daemon) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "ssfcored", "version": version})
}

func (d *Daemon) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	updates, rejected := d.core.Stats()
	read, drops := d.imu.Stats()
	accepted, droppedOutliers := d.vision.Stats()
	sent, served, current := d.streamer.Stats()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"core_updates":            updates,
		"core_rejected":           rejected,
		"imu_samples_read":        read,
		"imu_framing_drops":       drops,
		"vision_accepted":         accepted,
		"vision_dropped_outliers": droppedOutliers,
		"telemetry_sent":          sent,
		"telemetry_clients_total": served,
		"telemetry_clients_now":   current,
		"imu_connected":           d.imu.IsConnected(),
	})
}

// visionMeasurementHandler accepts a vision-pose aiding measurement and
// submits it to the core via visionpose.Handler, demonstrating the
// external H/r/R contract's intended entry point.
func (d *Daemon) visionMeasurementHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		TimestampUnixNano int64      `json:"timestamp_unix_nano"`
		Position          [3]float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	status, err := d.vision.Handle(r.Context(), visionpose.Measurement{
		T:        time.Unix(0, body.TimestampUnixNano),
		Position: body.Position,
	})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"status": status.String(), "error": err.Error()})
		return
	}

	// publish the corrected pose synchronously so subscribers see the
	// jump at the moment it lands, not on the next periodic tick
	d.publishLatest(status.String())

	json.NewEncoder(w).Encode(map[string]string{"status": status.String()})
}

// publishLatest pushes the newest fused state to telemetry subscribers,
// tagged with the update status that produced it.
func (d *Daemon) publishLatest(status string) {
	idx, rec := d.core.Latest()
	diag := make([]float64, fusion.NError)
	for i := 0; i < fusion.NError; i++ {
		diag[i] = rec.Cov.At(i, i)
	}
	d.streamer.Publish(&telemetry.PoseMessage{
		Timestamp:      rec.Time,
		SlotIndex:      idx,
		Position:       rec.Nominal.P,
		Velocity:       rec.Nominal.V,
		Attitude:       rec.Nominal.Qiw.Components(),
		Status:         status,
		CovarianceDiag: diag,
		Extrinsics: &telemetry.Extrinsics{
			QCameraToImu: rec.Nominal.Qci.Components(),
			PCameraToImu: rec.Nominal.Pci,
			QWorldToVis:  rec.Nominal.Qwv.Components(),
		},
	})
}

func (d *Daemon) stateHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	idx, rec := d.core.Latest()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"slot_index": idx,
		"time":       rec.Time,
		"position":   rec.Nominal.P,
		"velocity":   rec.Nominal.V,
		"attitude":   rec.Nominal.Qiw.Components(),
		"bias_gyro":  rec.Nominal.Bw,
		"bias_accel": rec.Nominal.Ba,
		"scale":      rec.Nominal.L,
	})
}

func printBanner(logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{"version": version}).Info("ssfcored: delayed-state EKF fusion core starting")
}
