package pump

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/signalsfoundry/resource-pump-sim/internal/logging"
	"github.com/signalsfoundry/resource-pump-sim/internal/sched"
)

// MaxSupplyPeriod caps the delivery period, recorded or configured.
const MaxSupplyPeriod = 216000 * time.Hour

// Persisted supply-line field keys.
const (
	FieldTransfersEnabled = "transfersEnabled"
	FieldTransferTime     = "transferTime" // hours
	FieldLastUpdated      = "lastUpdated"
	FieldRecording        = "isRecordingTime"
	FieldRecordStart      = "missionStartTime"
)

// DeliveryRecorder counts supply-line deliveries.
type DeliveryRecorder interface {
	ObserveSupplyDelivery(pumpID string)
}

// SupplyLineConfig is the scenario description of a supply line.
type SupplyLineConfig struct {
	Enabled bool
	Period  time.Duration
}

// SupplyLine refills its pump's host stocks to capacity every Period of
// sim time and flushes them through the pump at full rate. Deliveries
// missed while time jumped forward are replayed one by one.
type SupplyLine struct {
	pump    *Distributor
	sched   sched.EventScheduler
	log     logging.Logger
	metrics DeliveryRecorder

	enabled      bool
	period       time.Duration
	lastDelivery time.Time
	recording    bool
	recordStart  time.Time

	eventID    string
	deliveries int
}

// NewSupplyLine wraps pump. Call Start once the simulation clock is set.
func NewSupplyLine(p *Distributor, s sched.EventScheduler, cfg SupplyLineConfig, log logging.Logger, metrics DeliveryRecorder) *SupplyLine {
	if log == nil {
		log = logging.Noop()
	}
	period := cfg.Period
	if period > MaxSupplyPeriod {
		period = MaxSupplyPeriod
	}
	return &SupplyLine{
		pump:    p,
		sched:   s,
		log:     log,
		metrics: metrics,
		enabled: cfg.Enabled,
		period:  period,
	}
}

// Pump returns the wrapped distributor.
func (l *SupplyLine) Pump() *Distributor { return l.pump }

// Enabled reports whether periodic deliveries are on.
func (l *SupplyLine) Enabled() bool { return l.enabled }

// Period returns the delivery period.
func (l *SupplyLine) Period() time.Duration { return l.period }

// Deliveries returns how many deliveries have been made.
func (l *SupplyLine) Deliveries() int { return l.deliveries }

// LastDelivery returns the sim time of the last delivery, or the time the
// line was (re)started.
func (l *SupplyLine) LastDelivery() time.Time { return l.lastDelivery }

// Recording reports whether a round trip is being timed.
func (l *SupplyLine) Recording() bool { return l.recording }

// SupplyStatus is a read-only view of a supply line.
type SupplyStatus struct {
	PumpID       string
	Enabled      bool
	Period       time.Duration
	LastDelivery time.Time
	Deliveries   int
	Recording    bool
	RecordStart  time.Time
}

// Status returns a copy of the line's current settings and counters.
func (l *SupplyLine) Status() SupplyStatus {
	st := SupplyStatus{
		PumpID:       l.pump.ID(),
		Enabled:      l.enabled,
		Period:       l.period,
		LastDelivery: l.lastDelivery,
		Deliveries:   l.deliveries,
		Recording:    l.recording,
	}
	if l.recording {
		st.RecordStart = l.recordStart
	}
	return st
}

// Start schedules the next delivery. A line restored with a lastUpdated
// in the past resumes from there, so every missed period is delivered.
func (l *SupplyLine) Start(now time.Time) {
	if l.lastDelivery.IsZero() {
		l.lastDelivery = now
	}
	l.reschedule()
}

// SetEnabled turns periodic deliveries on or off. Enabling restarts the
// period from now.
func (l *SupplyLine) SetEnabled(on bool, now time.Time) {
	if l.enabled == on {
		return
	}
	l.enabled = on
	l.lastDelivery = now
	l.reschedule()
}

// SetPeriod changes the delivery period, counted from the last delivery.
func (l *SupplyLine) SetPeriod(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative supply period", ErrInvalidConfig)
	}
	if d > MaxSupplyPeriod {
		d = MaxSupplyPeriod
	}
	l.period = d
	l.reschedule()
	return nil
}

// StartRecording begins timing a round trip. Deliveries pause meanwhile.
func (l *SupplyLine) StartRecording(now time.Time) {
	l.recording = true
	l.recordStart = now
	l.cancel()
}

// StopRecording ends the round trip, uses it as the new period and
// restarts the schedule from now. It returns the recorded period.
func (l *SupplyLine) StopRecording(now time.Time) time.Duration {
	if !l.recording {
		return l.period
	}
	l.recording = false
	elapsed := now.Sub(l.recordStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > MaxSupplyPeriod {
		elapsed = MaxSupplyPeriod
	}
	l.period = elapsed
	l.lastDelivery = now
	l.reschedule()
	return elapsed
}

// Close cancels any scheduled delivery.
func (l *SupplyLine) Close() {
	l.cancel()
}

func (l *SupplyLine) cancel() {
	if l.eventID != "" && l.sched != nil {
		l.sched.Cancel(l.eventID)
	}
	l.eventID = ""
}

func (l *SupplyLine) reschedule() {
	l.cancel()
	if !l.enabled || l.recording || l.period <= 0 || l.sched == nil {
		return
	}
	at := l.lastDelivery.Add(l.period)
	l.eventID = l.sched.Schedule(at, func() { l.deliver(at) })
}

func (l *SupplyLine) deliver(at time.Time) {
	l.eventID = ""
	ctx := context.Background()

	host := l.pump.host.Node(l.pump.HostNodeID())
	if host != nil {
		for _, stock := range host.Stocks {
			if stock.Amount != stock.Capacity {
				l.pump.host.SetAmount(host, stock, stock.Capacity)
			}
		}
	}
	l.pump.SetActivated(true)
	out := l.pump.DistributeAtRate(ctx, at, 100)

	l.deliveries++
	l.lastDelivery = at
	if l.metrics != nil {
		l.metrics.ObserveSupplyDelivery(l.pump.ID())
	}
	l.log.Info(ctx, "supply delivery",
		logging.String("pump_id", l.pump.ID()),
		logging.Float64("accepted", out.Accepted),
		logging.Float64("refunded", out.Refunded),
		logging.Int("delivery", l.deliveries),
	)
	l.reschedule()
}

// Fields returns the supply line's persisted settings.
func (l *SupplyLine) Fields() map[string]string {
	f := map[string]string{
		FieldTransfersEnabled: strconv.FormatBool(l.enabled),
		FieldTransferTime:     strconv.FormatFloat(l.period.Hours(), 'g', -1, 64),
		FieldRecording:        strconv.FormatBool(l.recording),
	}
	if !l.lastDelivery.IsZero() {
		f[FieldLastUpdated] = l.lastDelivery.UTC().Format(time.RFC3339Nano)
	}
	if l.recording {
		f[FieldRecordStart] = l.recordStart.UTC().Format(time.RFC3339Nano)
	}
	return f
}

// ApplyFields restores persisted settings. Call before Start.
func (l *SupplyLine) ApplyFields(fields map[string]string) error {
	if v, ok := fields[FieldTransfersEnabled]; ok {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldTransfersEnabled, v)
		}
		l.enabled = on
	}
	if v, ok := fields[FieldTransferTime]; ok {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || hours < 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldTransferTime, v)
		}
		l.period = time.Duration(hours * float64(time.Hour))
		if l.period > MaxSupplyPeriod {
			l.period = MaxSupplyPeriod
		}
	}
	if v, ok := fields[FieldLastUpdated]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldLastUpdated, v)
		}
		l.lastDelivery = t
	}
	if v, ok := fields[FieldRecording]; ok {
		rec, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldRecording, v)
		}
		l.recording = rec
	}
	if v, ok := fields[FieldRecordStart]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldRecordStart, v)
		}
		l.recordStart = t
	}
	return nil
}
