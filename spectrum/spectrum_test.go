package spectrum_test

import (
	"errors"
	"math"
	"testing"

	"github.com/nasa-jpl/spectrolab/spectrum"
	"github.com/nasa-jpl/spectrolab/zwo"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// rowFrame builds a frame where every row holds the same values
func rowFrame(vals []uint16, height int) *zwo.Frame {
	f := zwo.NewFrame(len(vals), height)
	for y := 0; y < height; y++ {
		for x, v := range vals {
			f.Set(x, y, v)
		}
	}
	return f
}

func TestReduceAverageUniformRows(t *testing.T) {
	f := rowFrame([]uint16{1, 2, 3}, 4)
	s := spectrum.Reduce(f, spectrum.Config{Readout: spectrum.ReadoutAverage}, spectrum.Calibration{}, nil)
	expected := []float64{1, 2, 3}
	for i, v := range expected {
		if !approx(s.Counts[i], v) {
			t.Errorf("column %d expected %v got %v", i, v, s.Counts[i])
		}
	}
}

func TestReduceMaximumTakesColumnMax(t *testing.T) {
	f := zwo.NewFrame(3, 2)
	for x, v := range []uint16{1, 2, 3} {
		f.Set(x, 0, v)
	}
	for x, v := range []uint16{4, 5, 6} {
		f.Set(x, 1, v)
	}
	s := spectrum.Reduce(f, spectrum.Config{Readout: spectrum.ReadoutMaximum}, spectrum.Calibration{}, nil)
	expected := []float64{4, 5, 6}
	for i, v := range expected {
		if s.Counts[i] != v {
			t.Errorf("column %d expected %v got %v", i, v, s.Counts[i])
		}
	}
}

func TestReduceDarkEqualToFrameYieldsZeros(t *testing.T) {
	f := rowFrame([]uint16{100, 5000, 65535}, 3)
	dark := rowFrame([]uint16{100, 5000, 65535}, 3)
	cfg := spectrum.Config{Readout: spectrum.ReadoutAverage, SubtractDark: true}
	s := spectrum.Reduce(f, cfg, spectrum.Calibration{}, dark)
	for i, v := range s.Counts {
		if v != 0 {
			t.Errorf("column %d expected 0 got %v", i, v)
		}
	}
}

func TestReduceDarkShapeMismatchSkipsCorrection(t *testing.T) {
	f := rowFrame([]uint16{10, 20, 30}, 2)
	dark := rowFrame([]uint16{10, 20}, 2)
	cfg := spectrum.Config{Readout: spectrum.ReadoutAverage, SubtractDark: true}
	s := spectrum.Reduce(f, cfg, spectrum.Calibration{}, dark)
	expected := []float64{10, 20, 30}
	for i, v := range expected {
		if !approx(s.Counts[i], v) {
			t.Errorf("column %d expected %v got %v", i, v, s.Counts[i])
		}
	}
}

func TestReduceDarkClampsAtZero(t *testing.T) {
	f := rowFrame([]uint16{5, 50}, 1)
	dark := rowFrame([]uint16{10, 20}, 1)
	cfg := spectrum.Config{Readout: spectrum.ReadoutAverage, SubtractDark: true}
	s := spectrum.Reduce(f, cfg, spectrum.Calibration{}, dark)
	if s.Counts[0] != 0 {
		t.Errorf("expected clamp to 0, got %v", s.Counts[0])
	}
	if s.Counts[1] != 30 {
		t.Errorf("expected 30, got %v", s.Counts[1])
	}
}

func TestLinearBaselineRemovesRamp(t *testing.T) {
	f := rowFrame([]uint16{10, 20, 30, 40, 50}, 1)
	cfg := spectrum.Config{Readout: spectrum.ReadoutAverage, Baseline: spectrum.BaselineLinear}
	s := spectrum.Reduce(f, cfg, spectrum.Calibration{}, nil)
	for i, v := range s.Counts {
		if !approx(v, 0) {
			t.Errorf("column %d expected 0 got %v", i, v)
		}
	}
}

func TestPolynomialBaselineRemovesQuadratic(t *testing.T) {
	vals := make([]uint16, 5)
	for x := range vals {
		d := float64(x - 2)
		vals[x] = uint16(3*d*d + 7)
	}
	f := rowFrame(vals, 1)
	cfg := spectrum.Config{Readout: spectrum.ReadoutAverage, Baseline: spectrum.BaselinePolynomial, Degree: 2}
	s := spectrum.Reduce(f, cfg, spectrum.Calibration{}, nil)
	for i, v := range s.Counts {
		if !approx(v, 0) {
			t.Errorf("column %d expected 0 got %v", i, v)
		}
	}
}

func TestPolynomialBaselinePreservesNarrowPeak(t *testing.T) {
	vals := make([]uint16, 21)
	for x := range vals {
		vals[x] = 100
	}
	vals[10] = 5000
	f := rowFrame(vals, 1)
	cfg := spectrum.Config{Readout: spectrum.ReadoutAverage, Baseline: spectrum.BaselinePolynomial, Degree: 2}
	s := spectrum.Reduce(f, cfg, spectrum.Calibration{}, nil)
	if s.Counts[10] < 4000 {
		t.Errorf("peak suppressed by baseline fit, got %v", s.Counts[10])
	}
}

func TestReduceAttachesAxes(t *testing.T) {
	f := rowFrame([]uint16{1, 2, 3}, 1)
	cal := spectrum.Calibration{Coefficients: []float64{400, 0.5}}
	s := spectrum.Reduce(f, spectrum.Config{}, cal, nil)
	wl := []float64{400, 400.5, 401}
	for i, v := range wl {
		if !approx(s.Wavelengths[i], v) {
			t.Errorf("wavelength %d expected %v got %v", i, v, s.Wavelengths[i])
		}
		if s.Pixels[i] != i {
			t.Errorf("pixel %d expected %d got %d", i, i, s.Pixels[i])
		}
	}
}

func TestParseReadoutMode(t *testing.T) {
	m, err := spectrum.ParseReadoutMode("MAXIMUM")
	if err != nil {
		t.Errorf("expected nil err, got %v", err)
	}
	if m != spectrum.ReadoutMaximum {
		t.Errorf("expected maximum, got %v", m)
	}
	_, err = spectrum.ParseReadoutMode("median")
	var ce zwo.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
	if ce.Param != "readout_mode" {
		t.Errorf("expected readout_mode, got %v", ce.Param)
	}
}

func TestParseBaselineMode(t *testing.T) {
	m, err := spectrum.ParseBaselineMode("Linear")
	if err != nil {
		t.Errorf("expected nil err, got %v", err)
	}
	if m != spectrum.BaselineLinear {
		t.Errorf("expected linear, got %v", m)
	}
	_, err = spectrum.ParseBaselineMode("rolling")
	var ce zwo.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}
