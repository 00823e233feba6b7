package labresult

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/domain/patient"
)

// LinkOutcome describes what the reconciler did with a result.
type LinkOutcome string

const (
	LinkNoIdentifier LinkOutcome = "no_identifier"
	LinkNoMatch      LinkOutcome = "no_match"
	LinkAmbiguous    LinkOutcome = "ambiguous"
	LinkLinked       LinkOutcome = "linked"
	LinkLookupFailed LinkOutcome = "lookup_failed"
)

// Reconciler links results to the canonical patient registry by exact
// identifier match. It never creates patients and never matches on names.
type Reconciler struct {
	registry patient.Registry
	logger   zerolog.Logger
}

func NewReconciler(registry patient.Registry, logger zerolog.Logger) *Reconciler {
	return &Reconciler{registry: registry, logger: logger}
}

// Reconcile sets res.PatientID when exactly one registry patient carries the
// device identifier. Registry failures leave the result unlinked.
func (rc *Reconciler) Reconcile(ctx context.Context, res *InstrumentResult) LinkOutcome {
	ident := res.DevicePatient.Identifier
	if ident == "" || rc.registry == nil {
		return LinkNoIdentifier
	}

	matches, err := rc.registry.FindByIdentifier(ctx, ident)
	if err != nil {
		rc.logger.Warn().Err(err).
			Str("sample_number", res.SampleNumber).
			Str("patient_identifier", ident).
			Msg("patient lookup failed, storing result unlinked")
		return LinkLookupFailed
	}

	switch len(matches) {
	case 0:
		return LinkNoMatch
	case 1:
		id := matches[0].ID
		res.PatientID = &id
		res.Patient = matches[0]
		return LinkLinked
	default:
		rc.logger.Info().
			Str("sample_number", res.SampleNumber).
			Str("patient_identifier", ident).
			Int("matches", len(matches)).
			Msg("ambiguous patient identifier, leaving result for manual assignment")
		return LinkAmbiguous
	}
}
