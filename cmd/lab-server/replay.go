package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/hl7v2"
)

type replayOptions struct {
	Instrument string
	BaseURL    string
	SocketAddr string
	Token      string
	Timeout    time.Duration
}

// replayOutcome is the per-message result of an HTTP replay.
type replayOutcome struct {
	Status int
	Body   string
}

func replayCmd() *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay FILE...",
		Short: "Send captured analyzer payloads to a running server",
		Long: "Splits each file into messages on blank lines and sends them either to\n" +
			"POST /api/v1/{instrument}/process-raw (--url) or to an instrument socket (--socket).",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.BaseURL == "") == (opts.SocketAddr == "") {
				return fmt.Errorf("exactly one of --url or --socket is required")
			}

			var frames [][]byte
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				frames = append(frames, splitMessages(data)...)
			}
			if len(frames) == 0 {
				return fmt.Errorf("no messages found in %s", strings.Join(args, ", "))
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()

			if opts.SocketAddr != "" {
				if err := replaySocket(ctx, opts, frames); err != nil {
					return err
				}
				fmt.Fprintf(out, "sent %d message(s) to %s\n", len(frames), opts.SocketAddr)
				return nil
			}

			outcomes, err := replayHTTP(ctx, opts, frames)
			for i, o := range outcomes {
				fmt.Fprintf(out, "message %d: %d %s\n", i+1, o.Status, strings.TrimSpace(o.Body))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Instrument, "instrument", "hematology", "Instrument profile")
	cmd.Flags().StringVar(&opts.BaseURL, "url", "", "Server base URL, e.g. http://localhost:8000")
	cmd.Flags().StringVar(&opts.SocketAddr, "socket", "", "Instrument socket address, e.g. localhost:5600")
	cmd.Flags().StringVar(&opts.Token, "token", os.Getenv("LAB_TOKEN"), "Bearer token for the HTTP API")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "Per-request timeout")
	return cmd
}

// splitMessages frames a capture file the same way the socket listener does.
func splitMessages(data []byte) [][]byte {
	f := hl7v2.NewFramer(len(data) + 1)
	frames, _ := f.Write(data)
	if tail := f.Flush(); tail != nil {
		frames = append(frames, tail)
	}
	return frames
}

// replayHTTP posts each frame to process-raw. Duplicates and decode failures
// are reported, not treated as errors; transport failures abort.
func replayHTTP(ctx context.Context, opts replayOptions, frames [][]byte) ([]replayOutcome, error) {
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}

	outcomes := make([]replayOutcome, 0, len(frames))
	for i, frame := range frames {
		resp, err := client.R().
			SetContext(ctx).
			SetPathParam("instrument", opts.Instrument).
			SetBody(map[string]string{"rawData": string(frame)}).
			Post("/api/v1/{instrument}/process-raw")
		if err != nil {
			return outcomes, fmt.Errorf("message %d: %w", i+1, err)
		}
		outcomes = append(outcomes, replayOutcome{Status: resp.StatusCode(), Body: resp.String()})
		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
			return outcomes, fmt.Errorf("message %d: server refused credentials (%d)", i+1, resp.StatusCode())
		}
	}
	return outcomes, nil
}

// replaySocket writes every frame on one connection, each followed by a
// blank line, then half-closes so the listener flushes.
func replaySocket(ctx context.Context, opts replayOptions, frames [][]byte) error {
	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", opts.SocketAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.SocketAddr, err)
	}
	defer conn.Close()

	if opts.Timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(opts.Timeout * time.Duration(len(frames))))
	}
	for i, frame := range frames {
		if _, err := conn.Write(append(append([]byte{}, frame...), '\r', '\r')); err != nil {
			return fmt.Errorf("message %d: %w", i+1, err)
		}
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return nil
}
