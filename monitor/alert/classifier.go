// Package alert maps audio peak amplitudes to severity tiers.
package alert

import (
	"errors"
	"fmt"
	"math"

	"github.com/adwski/babycam-monitor/monitor/model"
)

// Defaults follow the monitor device model (thresholds) and
// the dashboard level bar (display ceiling).
const (
	DefaultYellowThreshold = 1000
	DefaultRedThreshold    = 5000
	DefaultDisplayCeiling  = 3000
)

var (
	ErrInvalidThresholds = errors.New("invalid alert thresholds")
)

type Options struct {
	YellowThreshold float64 `toml:"yellow_threshold"`
	RedThreshold    float64 `toml:"red_threshold"`
	DisplayCeiling  float64 `toml:"display_ceiling"`
}

func DefaultOptions() Options {
	return Options{
		YellowThreshold: DefaultYellowThreshold,
		RedThreshold:    DefaultRedThreshold,
		DisplayCeiling:  DefaultDisplayCeiling,
	}
}

func (o Options) Validate() error {
	switch {
	case !finite(o.YellowThreshold) || !finite(o.RedThreshold) || !finite(o.DisplayCeiling):
		return fmt.Errorf("%w: values must be finite", ErrInvalidThresholds)
	case o.YellowThreshold < 0:
		return fmt.Errorf("%w: yellow threshold %v is negative", ErrInvalidThresholds, o.YellowThreshold)
	case o.YellowThreshold > o.RedThreshold:
		return fmt.Errorf("%w: yellow threshold %v above red threshold %v",
			ErrInvalidThresholds, o.YellowThreshold, o.RedThreshold)
	case o.DisplayCeiling <= 0:
		return fmt.Errorf("%w: display ceiling must be positive", ErrInvalidThresholds)
	}
	return nil
}

// Classifier is stateless; the zero value is not usable, use NewClassifier.
type Classifier struct {
	opts Options
}

func NewClassifier(opts Options) (*Classifier, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{opts: opts}, nil
}

func (c *Classifier) Options() Options {
	return c.opts
}

// Classify returns the tier for a peak amplitude. A value equal to
// a threshold belongs to the higher tier.
func (c *Classifier) Classify(peak float64) model.Severity {
	switch {
	case math.IsNaN(peak):
		return model.SeverityNone
	case peak >= c.opts.RedThreshold:
		return model.SeverityRed
	case peak >= c.opts.YellowThreshold:
		return model.SeverityYellow
	default:
		return model.SeverityNone
	}
}

// Intensity is the peak as a percentage of the display ceiling, clamped to [0, 100].
func (c *Classifier) Intensity(peak float64) float64 {
	if math.IsNaN(peak) || peak <= 0 {
		return 0
	}
	return math.Min(peak/c.opts.DisplayCeiling*100, 100)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
