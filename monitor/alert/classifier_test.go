package alert

import (
	"errors"
	"math"
	"testing"

	"github.com/adwski/babycam-monitor/monitor/model"
)

func newTestClassifier(t *testing.T, yellow, red float64) *Classifier {
	t.Helper()
	c, err := NewClassifier(Options{YellowThreshold: yellow, RedThreshold: red, DisplayCeiling: 3000})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	return c
}

func TestClassifier_Classify(t *testing.T) {
	c := newTestClassifier(t, 1000, 3000)

	tests := []struct {
		peak float64
		want model.Severity
	}{
		{0, model.SeverityNone},
		{999.99, model.SeverityNone},
		{1000, model.SeverityYellow},
		{2999, model.SeverityYellow},
		{3000, model.SeverityRed},
		{3200, model.SeverityRed},
		{math.Inf(1), model.SeverityRed},
		{-5, model.SeverityNone},
		{math.NaN(), model.SeverityNone},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.peak); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.peak, got, tt.want)
		}
	}
}

func TestClassifier_ClassifyTiersAreMonotonic(t *testing.T) {
	c := newTestClassifier(t, 1000, 5000)

	prev := model.SeverityNone
	for peak := 0.0; peak <= 10000; peak += 7 {
		got := c.Classify(peak)
		if got < prev {
			t.Fatalf("Classify(%v) = %v dropped below %v", peak, got, prev)
		}
		prev = got
	}
}

func TestClassifier_EqualThresholdsSkipYellow(t *testing.T) {
	c := newTestClassifier(t, 2000, 2000)

	if got := c.Classify(1999); got != model.SeverityNone {
		t.Errorf("Classify(1999) = %v, want NONE", got)
	}
	if got := c.Classify(2000); got != model.SeverityRed {
		t.Errorf("Classify(2000) = %v, want RED", got)
	}
}

func TestClassifier_Intensity(t *testing.T) {
	c := newTestClassifier(t, 1000, 3000)

	tests := []struct {
		peak float64
		want float64
	}{
		{0, 0},
		{-10, 0},
		{1500, 50},
		{3000, 100},
		{3200, 100},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := c.Intensity(tt.peak); got != tt.want {
			t.Errorf("Intensity(%v) = %v, want %v", tt.peak, got, tt.want)
		}
	}
}

func TestNewClassifier_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"yellow above red", Options{YellowThreshold: 10, RedThreshold: 5, DisplayCeiling: 1}},
		{"negative yellow", Options{YellowThreshold: -1, RedThreshold: 5, DisplayCeiling: 1}},
		{"zero ceiling", Options{YellowThreshold: 1, RedThreshold: 5}},
		{"nan red", Options{YellowThreshold: 1, RedThreshold: math.NaN(), DisplayCeiling: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClassifier(tt.opts)
			if !errors.Is(err, ErrInvalidThresholds) {
				t.Errorf("NewClassifier() error = %v, want ErrInvalidThresholds", err)
			}
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Errorf("DefaultOptions().Validate() = %v", err)
	}
}
