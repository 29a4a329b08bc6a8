package pump

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/model"
)

const (
	// DefaultRatePercent is the share of capacity moved per simulated second.
	DefaultRatePercent = 10.0
	// MinUIRatePercent and MaxUIRatePercent bound the interactive slider.
	// Configuration may use anything in (0, 100].
	MinUIRatePercent = 1.0
	MaxUIRatePercent = 20.0
	// DefaultMaxRemoteRange is the remote pumping range in metres.
	DefaultMaxRemoteRange = 200.0
	// DefaultCooldown is how long a suspended pump waits before retrying.
	DefaultCooldown = 3 * time.Second
)

// ErrInvalidConfig marks a pump configuration that can never run.
var ErrInvalidConfig = errors.New("invalid pump configuration")

// Config is the immutable description of one pump endpoint as loaded from
// a scenario. Activation, mode and rate can later be changed at runtime
// and are persisted through Fields.
type Config struct {
	ID             string
	HostNodeID     string
	RatePercent    float64
	Mode           model.PumpMode
	MaxRemoteRange float64
	Activated      bool
	Cooldown       time.Duration
}

// WithDefaults fills unset optional fields. RatePercent is left alone so
// that an explicit bad rate is still caught by Validate, and so is
// MaxRemoteRange because 0 is a meaningful range.
func (c Config) WithDefaults() Config {
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Validate reports why the configuration cannot drive a pump.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty pump ID", ErrInvalidConfig)
	}
	if c.HostNodeID == "" {
		return fmt.Errorf("%w: pump %q has no host node", ErrInvalidConfig, c.ID)
	}
	if err := ValidateRate(c.RatePercent); err != nil {
		return fmt.Errorf("%w: pump %q: %v", ErrInvalidConfig, c.ID, err)
	}
	switch c.Mode {
	case model.PumpModeDistribute, model.PumpModeSendRemote, model.PumpModeReceiveRemote:
	default:
		return fmt.Errorf("%w: pump %q: unknown mode %v", ErrInvalidConfig, c.ID, c.Mode)
	}
	if c.MaxRemoteRange < 0 || math.IsNaN(c.MaxRemoteRange) || math.IsInf(c.MaxRemoteRange, 0) {
		return fmt.Errorf("%w: pump %q: max remote range %g", ErrInvalidConfig, c.ID, c.MaxRemoteRange)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: pump %q: negative cooldown", ErrInvalidConfig, c.ID)
	}
	return nil
}

// ValidateRate checks a pump rate percentage.
func ValidateRate(percent float64) error {
	if math.IsNaN(percent) || math.IsInf(percent, 0) || percent <= 0 || percent > 100 {
		return fmt.Errorf("rate %g%% outside (0, 100]", percent)
	}
	return nil
}
