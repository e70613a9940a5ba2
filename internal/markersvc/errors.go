package markersvc

import (
	"context"
	"errors"

	"github.com/signalsfoundry/aqmap/internal/favorites"
	"github.com/signalsfoundry/aqmap/internal/fetch"
	"github.com/signalsfoundry/aqmap/internal/locate"
	"github.com/signalsfoundry/aqmap/internal/source"
	"github.com/signalsfoundry/aqmap/model"
	"github.com/signalsfoundry/aqmap/render"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidRequest is used for malformed or out-of-range requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotConfigured is returned by methods whose backing component was not
	// set up on this server.
	ErrNotConfigured = errors.New("not configured")
)

// ToStatusError maps service errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, favorites.ErrNotFavorite),
		errors.Is(err, fetch.ErrNotFound),
		errors.Is(err, locate.ErrNoLocation):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, model.ErrUnknownLayer),
		errors.Is(err, source.ErrBadRecord),
		errors.Is(err, favorites.ErrUnsupportedKind),
		errors.Is(err, locate.ErrBadIP):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, ErrNotConfigured):
		return status.Error(codes.Unimplemented, err.Error())

	case errors.Is(err, render.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
