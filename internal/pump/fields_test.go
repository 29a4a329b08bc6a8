package pump

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/resource-pump-sim/model"
)

func TestFieldsRoundTrip(t *testing.T) {
	cfg := localConfig("p1", "tank")
	cfg.Mode = model.PumpModeSendRemote
	cfg.RatePercent = 12.5
	src := NewDistributor(cfg, newTestHost())

	dst := NewDistributor(Config{ID: "p1", HostNodeID: "tank", RatePercent: 10}, newTestHost())
	if err := dst.ApplyFields(src.Fields()); err != nil {
		t.Fatalf("ApplyFields: %v", err)
	}

	st := dst.Status()
	if !st.Activated || st.Mode != model.PumpModeSendRemote || st.RatePercent != 12.5 {
		t.Fatalf("restored status = %+v", st)
	}
}

func TestApplyLegacyRemoteToggle(t *testing.T) {
	cases := map[string]model.PumpMode{
		"true":  model.PumpModeSendRemote,
		"false": model.PumpModeDistribute,
	}
	for v, want := range cases {
		cfg := localConfig("p1", "tank")
		cfg.Mode = model.PumpModeReceiveRemote
		p := NewDistributor(cfg, newTestHost())
		if err := p.ApplyFields(map[string]string{FieldLegacyRemote: v}); err != nil {
			t.Fatalf("ApplyFields(%s): %v", v, err)
		}
		if p.Mode() != want {
			t.Fatalf("remotePumpMode=%s gives mode %v, want %v", v, p.Mode(), want)
		}
	}
}

func TestPumpModeWinsOverLegacyToggle(t *testing.T) {
	p := NewDistributor(localConfig("p1", "tank"), newTestHost())
	err := p.ApplyFields(map[string]string{
		FieldMode:         "receive_remote",
		FieldLegacyRemote: "true",
	})
	if err != nil {
		t.Fatalf("ApplyFields: %v", err)
	}
	if p.Mode() != model.PumpModeReceiveRemote {
		t.Fatalf("mode = %v, want receive_remote", p.Mode())
	}
}

func TestApplyFieldsReportsBadValues(t *testing.T) {
	p := NewDistributor(localConfig("p1", "tank"), newTestHost())
	err := p.ApplyFields(map[string]string{
		FieldActivated: "maybe",
		FieldRate:      "250",
		FieldMode:      "distribute",
	})
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("ApplyFields error = %v, want ErrInvalidField", err)
	}
	st := p.Status()
	if !st.Activated || st.RatePercent != 10 {
		t.Fatalf("bad fields changed settings: %+v", st)
	}
}
