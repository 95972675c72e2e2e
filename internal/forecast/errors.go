package forecast

import (
	"context"
	"errors"

	"github.com/guernica0131/foreshadow/internal/catalog"
	"github.com/guernica0131/foreshadow/internal/geo"
	"github.com/guernica0131/foreshadow/internal/grid"
)

var (
	// ErrInvalidRequest marks a request that fails validation before any
	// computation is attempted.
	ErrInvalidRequest = errors.New("invalid forecast request")
	// ErrUnitTimeout marks a single unit of work that exceeded its deadline.
	ErrUnitTimeout = errors.New("unit of work deadline exceeded")
)

// Kind is the coarse error taxonomy reported to callers.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindUnknownDataset Kind = "unknown_dataset"
	KindOutOfDomain    Kind = "out_of_domain"
	KindDecodeError    Kind = "decode_error"
	KindUnitTimeout    Kind = "unit_timeout"
	KindInternal       Kind = "internal"
)

// KindOf classifies an error into the taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, grid.ErrUnknownDataset), errors.Is(err, catalog.ErrNoRun):
		return KindUnknownDataset
	case errors.Is(err, geo.ErrOutOfDomain):
		return KindOutOfDomain
	case errors.Is(err, grid.ErrDecode):
		return KindDecodeError
	case errors.Is(err, ErrUnitTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindUnitTimeout
	default:
		return KindInternal
	}
}
