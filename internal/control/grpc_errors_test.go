package control

import (
	"errors"
	"fmt"
	"testing"

	"github.com/signalsfoundry/resource-pump-sim/internal/pump"
	"github.com/signalsfoundry/resource-pump-sim/internal/sim"
	"github.com/signalsfoundry/resource-pump-sim/kb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "pump not found", err: fmt.Errorf("%w: %q", sim.ErrPumpNotFound, "p1"), code: codes.NotFound},
		{name: "node not found", err: kb.ErrNodeNotFound, code: codes.NotFound},
		{name: "invalid request", err: fmt.Errorf("%w: bad", ErrInvalidRequest), code: codes.InvalidArgument},
		{name: "invalid argument", err: sim.ErrInvalidArgument, code: codes.InvalidArgument},
		{name: "amount out of range", err: kb.ErrAmountOutOfRange, code: codes.InvalidArgument},
		{name: "pump unavailable", err: ErrPumpUnavailable, code: codes.FailedPrecondition},
		{name: "invalid config", err: pump.ErrInvalidConfig, code: codes.FailedPrecondition},
		{name: "host has pump", err: fmt.Errorf("%w: tank", sim.ErrHostHasPump), code: codes.FailedPrecondition},
		{name: "no supply line", err: sim.ErrNoSupplyLine, code: codes.FailedPrecondition},
		{name: "already exists", err: sim.ErrPumpExists, code: codes.AlreadyExists},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}
