package pump

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/signalsfoundry/resource-pump-sim/model"
)

// Persisted field keys.
const (
	FieldActivated = "isActivated"
	FieldMode      = "pumpMode"
	FieldRate      = "pumpRate"

	// FieldLegacyRemote is the binary local/remote toggle written by older
	// saves. true maps to send_remote, false to distribute.
	FieldLegacyRemote = "remotePumpMode"
)

// ErrInvalidField marks a persisted field that could not be parsed.
var ErrInvalidField = errors.New("invalid persisted field")

// Fields returns the pump's persisted settings as opaque key/value pairs.
func (d *Distributor) Fields() map[string]string {
	return map[string]string{
		FieldActivated: strconv.FormatBool(d.cfg.Activated),
		FieldMode:      d.cfg.Mode.String(),
		FieldRate:      strconv.FormatFloat(d.cfg.RatePercent, 'g', -1, 64),
	}
}

// ApplyFields restores persisted settings. Unknown keys are ignored and a
// field that fails to parse leaves the current value in place; all parse
// failures are joined into the returned error.
func (d *Distributor) ApplyFields(fields map[string]string) error {
	var errs []error

	if v, ok := fields[FieldActivated]; ok {
		on, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldActivated, v))
		} else {
			d.SetActivated(on)
		}
	}

	if v, ok := fields[FieldMode]; ok {
		mode, err := model.ParsePumpMode(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldMode, v))
		} else {
			d.SetMode(mode)
		}
	} else if v, ok := fields[FieldLegacyRemote]; ok {
		remote, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldLegacyRemote, v))
		} else if remote {
			d.SetMode(model.PumpModeSendRemote)
		} else {
			d.SetMode(model.PumpModeDistribute)
		}
	}

	if v, ok := fields[FieldRate]; ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err == nil {
			err = d.SetRate(rate)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldRate, v))
		}
	}

	return errors.Join(errs...)
}
