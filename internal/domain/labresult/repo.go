package labresult

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists InstrumentResults. Implementations map a uniqueness
// violation on (device id, sample number) to ErrDuplicateSample and missing
// rows to ErrNotFound.
type Repository interface {
	Create(ctx context.Context, r *InstrumentResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*InstrumentResult, error)
	// LockByID is GetByID taking a row lock when called inside a transaction.
	LockByID(ctx context.Context, id uuid.UUID) (*InstrumentResult, error)
	// FindBySampleNumber returns every result of the instrument carrying
	// sampleNumber, newest first. A non-empty deviceID narrows to one device.
	FindBySampleNumber(ctx context.Context, instrument, sampleNumber, deviceID string) ([]*InstrumentResult, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*InstrumentResult, int, error)
	UpdateMeasurements(ctx context.Context, id uuid.UUID, ms []Measurement) error
	SetPatient(ctx context.Context, id, patientID uuid.UUID) error
	// SaveReprocessed overwrites the parsed columns of an existing result.
	SaveReprocessed(ctx context.Context, r *InstrumentResult) error
	Delete(ctx context.Context, id uuid.UUID) error
	CountByStatus(ctx context.Context, instrument string) (*Stats, error)
}

// Transactor runs fn atomically. The context passed to fn carries the
// transaction so repositories pick it up.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
