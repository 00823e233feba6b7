package hl7v2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/metrics"
)

// DefaultIdleTimeout closes connections that complete no message for this long.
const DefaultIdleTimeout = 30 * time.Second

// FrameHandler receives each complete message framed on a connection. It is
// called synchronously from the connection's goroutine, so messages from one
// connection are handled in arrival order.
type FrameHandler func(ctx context.Context, frame []byte)

// ListenerConfig configures one analyzer socket listener.
type ListenerConfig struct {
	Instrument   string
	Addr         string
	IdleTimeout  time.Duration
	MaxFrameSize int
}

// Listener accepts analyzer connections on a TCP port. Every connection gets
// its own goroutine and Framer. No application-level acknowledgement is sent;
// the analyzer sees only accept and close.
type Listener struct {
	cfg      ListenerConfig
	handler  FrameHandler
	logger   zerolog.Logger
	metrics  *metrics.Ingest
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a listener for cfg. m may be nil.
func NewListener(cfg ListenerConfig, handler FrameHandler, logger zerolog.Logger, m *metrics.Ingest) *Listener {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("instrument", cfg.Instrument).Logger(),
		metrics: m,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the port and runs the accept loop in the background.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listener %s: listen on %s: %w", l.cfg.Instrument, l.cfg.Addr, err)
	}
	l.Serve(ln)
	return nil
}

// Serve runs the accept loop on ln in the background. Stop closes ln.
func (l *Listener) Serve(ln net.Listener) {
	l.listener = ln

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop()
	}()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("analyzer listener started")
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to return. Partially buffered messages are dropped.
func (l *Listener) Stop() error {
	l.cancel()

	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}

	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

// Addr returns the bound address, useful when started on port 0.
func (l *Listener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.cfg.Addr
}

// maxAcceptDelay caps the pause after consecutive Accept failures.
const maxAcceptDelay = time.Second

// acceptLoop accepts until Stop. Accept failures such as EMFILE are retried
// with a doubling delay.
func (l *Listener) acceptLoop() {
	var delay time.Duration
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			l.logger.Error().Err(err).Dur("retry_in", delay).Msg("accept failed")
			select {
			case <-time.After(delay):
			case <-l.ctx.Done():
				return
			}
			continue
		}
		delay = 0

		l.trackConn(conn, true)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.trackConn(conn, false)
			defer conn.Close()
			l.handleConnection(conn)
		}()
	}
}

func (l *Listener) trackConn(conn net.Conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[conn] = struct{}{}
		l.metrics.ConnectionOpened(l.cfg.Instrument)
	} else {
		delete(l.conns, conn)
		l.metrics.ConnectionClosed(l.cfg.Instrument)
	}
}

// handleConnection reads until the peer closes, the idle deadline passes
// without a complete message, or the framer overflows.
func (l *Listener) handleConnection(conn net.Conn) {
	log := l.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("analyzer connected")

	framer := NewFramer(l.cfg.MaxFrameSize)
	readBuf := make([]byte, 4096)
	deadline := time.Now().Add(l.cfg.IdleTimeout)

	for {
		if l.ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(deadline)

		n, err := conn.Read(readBuf)
		if n > 0 {
			frames, ferr := framer.Write(readBuf[:n])
			for _, frame := range frames {
				l.dispatch(frame)
			}
			if len(frames) > 0 {
				deadline = time.Now().Add(l.cfg.IdleTimeout)
			}
			if ferr != nil {
				l.metrics.RecordFramingError(l.cfg.Instrument)
				log.Warn().Err(ferr).Int("limit", l.cfg.MaxFrameSize).Msg("closing connection")
				return
			}
		}

		if err == nil {
			continue
		}

		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			if pending := framer.Buffered(); pending > 0 {
				log.Warn().Int("discarded_bytes", pending).Msg("idle timeout, discarding incomplete message")
			} else {
				log.Debug().Msg("idle timeout")
			}
		case errors.Is(err, io.EOF):
			// The peer finished writing; an unterminated tail is its last message.
			if frame := framer.Flush(); frame != nil {
				l.dispatch(frame)
			}
			log.Debug().Msg("analyzer disconnected")
		default:
			if l.ctx.Err() == nil {
				log.Warn().Err(err).Msg("read failed")
			}
		}
		return
	}
}

func (l *Listener) dispatch(frame []byte) {
	l.metrics.RecordFrame(l.cfg.Instrument, "socket")
	l.handler(l.ctx, frame)
}
