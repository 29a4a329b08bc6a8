package control

import (
	"errors"

	"github.com/signalsfoundry/resource-pump-sim/internal/pump"
	"github.com/signalsfoundry/resource-pump-sim/internal/sim"
	"github.com/signalsfoundry/resource-pump-sim/kb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidRequest is used for malformed request payloads.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPumpUnavailable is returned when an operation needs a pump that is
	// activated and correctly configured.
	ErrPumpUnavailable = errors.New("pump unavailable")
)

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, sim.ErrPumpNotFound),
		errors.Is(err, kb.ErrNodeNotFound),
		errors.Is(err, kb.ErrContainerNotFound),
		errors.Is(err, kb.ErrResourceNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, sim.ErrInvalidArgument),
		errors.Is(err, kb.ErrAmountOutOfRange):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, ErrPumpUnavailable),
		errors.Is(err, pump.ErrInvalidConfig),
		errors.Is(err, sim.ErrHostHasPump),
		errors.Is(err, sim.ErrNoSupplyLine):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, sim.ErrPumpExists),
		errors.Is(err, kb.ErrContainerExists),
		errors.Is(err, kb.ErrNodeExists):
		return status.Error(codes.AlreadyExists, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
