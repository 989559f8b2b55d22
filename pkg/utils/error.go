package utils

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrBadRequest   = fmt.Errorf("Bad request")
	ErrNotAvailable = fmt.Errorf("Not available until the task is complete")
	ErrNotFound     = fmt.Errorf("Not found")
	ErrParse        = fmt.Errorf("Parse error")
	ErrTaskOwned    = fmt.Errorf("Task is owned by the queue")
	ErrTerminal     = fmt.Errorf("Task is terminal")
	ErrUnauthorized = fmt.Errorf("Password rejected")
	ErrUnavailable  = fmt.Errorf("Queue is not available")
)

type DetailedError interface {
	error
	Details() string
}

// Convert errors to errors with grpc status codes.
// Sentinels are matched through their wrap chain.
func GrpcError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrParse):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNotAvailable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrTaskOwned):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrTerminal):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	}
	return err
}
