package labresult

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/hl7v2"
)

// SocketIngestor feeds frames from an hl7v2.Listener into the service.
type SocketIngestor struct {
	svc        *Service
	instrument string
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewSocketIngestor returns an ingestor for one instrument. timeout bounds
// the storage of a single frame; zero means 30 seconds.
func NewSocketIngestor(svc *Service, instrument string, timeout time.Duration, logger zerolog.Logger) (*SocketIngestor, error) {
	p, err := svc.Profiles().Get(instrument)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SocketIngestor{
		svc:        svc,
		instrument: p.Instrument,
		timeout:    timeout,
		logger:     logger.With().Str("instrument", p.Instrument).Logger(),
	}, nil
}

// HandleFrame stores one framed device message. Errors are logged and never
// reach the connection: instruments get no application-level reply.
func (si *SocketIngestor) HandleFrame(ctx context.Context, frame []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), si.timeout)
	defer cancel()

	_, err := si.svc.Ingest(WithActor(ctx, "socket:"+si.instrument), RawMessage{
		Payload:    string(frame),
		Transport:  TransportSocket,
		ReceivedAt: time.Now().UTC(),
		Instrument: si.instrument,
	}, IngestOptions{RetainUnidentified: true})

	switch {
	case err == nil, errors.Is(err, ErrDuplicateSample):
	default:
		si.logger.Error().Err(err).Int("bytes", len(frame)).Msg("failed to store device message")
	}
}

// Handler adapts the ingestor to hl7v2.FrameHandler.
func (si *SocketIngestor) Handler() hl7v2.FrameHandler {
	return si.HandleFrame
}
