package visionpose

import (
	"context"
	"errors"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/valkyrie-nav/ssf-core/internal/fusion"
)

func newTestCore(t *testing.T) (*fusion.Core, time.Time) {
	t.Helper()
	cfg := fusion.DefaultCoreConfig()
	core := fusion.NewCore(cfg, nil)

	start := time.Unix(20_000, 0)
	seed := fusion.NominalState{Qiw: fusion.IdentityQuat(), Qwv: fusion.IdentityQuat(), Qci: fusion.IdentityQuat(), L: 1}
	P0 := mat.NewSymDense(fusion.NError, nil)
	for i := 0; i < fusion.NError; i++ {
		P0.SetSym(i, i, 0.1)
	}
	if err := core.Initialize(seed, P0, fusion.ImuSample{T: start}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	core.SetGlobalStart(start)

	for i := 1; i <= 5; i++ {
		if err := core.FeedImu(fusion.ImuSample{T: start.Add(time.Duration(i) * 10 * time.Millisecond), Am: [3]float64{0, 0, 9.81}}); err != nil {
			t.Fatalf("FeedImu: %v", err)
		}
	}
	return core, start
}

func TestHandlerAcceptsCloseMeasurement(t *testing.T) {
	core, start := newTestCore(t)
	h := NewHandler(core, DefaultConfig(), nil)

	status, err := h.Handle(context.Background(), Measurement{T: start.Add(25 * time.Millisecond), Position: [3]float64{0.01, -0.01, 0.02}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if status != fusion.GoodUp {
		t.Fatalf("status = %v, want GoodUp", status)
	}

	accepted, dropped := h.Stats()
	if accepted != 1 || dropped != 0 {
		t.Fatalf("stats = (%d, %d), want (1, 0)", accepted, dropped)
	}
}

func TestHandlerRejectsGrossOutlier(t *testing.T) {
	core, start := newTestCore(t)
	h := NewHandler(core, DefaultConfig(), nil)

	_, err := h.Handle(context.Background(), Measurement{T: start.Add(25 * time.Millisecond), Position: [3]float64{1000, 1000, 1000}})
	if !errors.Is(err, fusion.ErrOutlier) {
		t.Fatalf("err = %v, want ErrOutlier", err)
	}

	_, dropped := h.Stats()
	if dropped != 1 {
		t.Fatalf("dropped outliers = %d, want 1", dropped)
	}
}

func TestBuildHRRInflatesVarianceRatio(t *testing.T) {
	core, start := newTestCore(t)
	cfg := DefaultConfig()
	cfg.MaxStateMeasurementVarianceRatio = 2.0
	h := NewHandler(core, cfg, nil)

	_, rec, status := core.Nearest(start.Add(25 * time.Millisecond))
	if status != fusion.Found {
		t.Fatalf("Nearest status = %v, want Found", status)
	}

	_, _, R, err := h.buildHRR(rec, Measurement{Position: rec.Nominal.P})
	if err != nil {
		t.Fatalf("buildHRR: %v", err)
	}
	baseVar := cfg.MeasNoisePosition * cfg.MeasNoisePosition
	if R.At(0, 0) < baseVar {
		t.Fatalf("R[0][0] = %v, want >= base variance %v", R.At(0, 0), baseVar)
	}
}

func TestBuildHRRFoldsInPseudoAttitudeWhenEnabled(t *testing.T) {
	core, start := newTestCore(t)
	cfg := DefaultConfig()
	cfg.UsePseudoAttitude = true
	h := NewHandler(core, cfg, nil)

	_, rec, status := core.Nearest(start.Add(25 * time.Millisecond))
	if status != fusion.Found {
		t.Fatalf("Nearest status = %v, want Found", status)
	}
	rec.Imu.HasQm = true
	rec.Imu.Qm = fusion.Quat{W: 0.9998, X: 0.02, Y: 0, Z: 0}.Normalized()

	H, r, R, err := h.buildHRR(rec, Measurement{Position: rec.Nominal.P})
	if err != nil {
		t.Fatalf("buildHRR: %v", err)
	}
	if r.Len() != 6 {
		t.Fatalf("residual length = %d, want 6 with pseudo-attitude enabled", r.Len())
	}
	if H.At(3, fusion.ErrQ) != 1 || H.At(4, fusion.ErrQ+1) != 1 || H.At(5, fusion.ErrQ+2) != 1 {
		t.Fatal("H does not map the attitude rows onto the δθ_iw error block")
	}
	wantAttVar := cfg.MeasNoiseAttitude * cfg.MeasNoiseAttitude
	if R.At(3, 3) != wantAttVar || R.At(4, 4) != wantAttVar || R.At(5, 5) != wantAttVar {
		t.Fatalf("attitude R diagonal = %v, want %v", []float64{R.At(3, 3), R.At(4, 4), R.At(5, 5)}, wantAttVar)
	}
	if r.AtVec(3) <= 0 {
		t.Fatalf("attitude residual x-component = %v, want > 0 for a positive q_m rotation", r.AtVec(3))
	}
}

func TestBuildHRROmitsPseudoAttitudeWithoutQm(t *testing.T) {
	core, start := newTestCore(t)
	cfg := DefaultConfig()
	cfg.UsePseudoAttitude = true
	h := NewHandler(core, cfg, nil)

	_, rec, status := core.Nearest(start.Add(25 * time.Millisecond))
	if status != fusion.Found {
		t.Fatalf("Nearest status = %v, want Found", status)
	}

	_, r, _, err := h.buildHRR(rec, Measurement{Position: rec.Nominal.P})
	if err != nil {
		t.Fatalf("buildHRR: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("residual length = %d, want 3 when the slot has no q_m", r.Len())
	}
}
