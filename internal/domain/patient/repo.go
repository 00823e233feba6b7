package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no patient has the requested id.
var ErrNotFound = errors.New("patient not found")

// Registry is the read-only lookup the ingestion pipeline needs from the
// canonical patient registry. Patients are never created through it.
type Registry interface {
	// FindByID returns ErrNotFound when the id is unknown.
	FindByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// FindByIdentifier returns every patient whose MRN or textual id equals
	// identifier exactly. An empty slice means no match.
	FindByIdentifier(ctx context.Context, identifier string) ([]*Patient, error)
}
