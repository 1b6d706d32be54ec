// Package client is a minimal wire-protocol client for the daemon: one
// connection, one submission frame out, one response frame back. Richer
// composition (promise chains, helper globals) belongs to host runtimes;
// anything that speaks this protocol is a valid client.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parallite/parallite/internal/netutil"
	"github.com/parallite/parallite/wire"
)

// Client submits tasks to a daemon endpoint. The zero value needs only Addr.
type Client struct {
	// Addr is the daemon endpoint: a .sock path or loopback host:port. TCP
	// addresses are probed forward through the same port sequence the
	// daemon scans on bind.
	Addr string

	// DialAttempts bounds the TCP port probe; 0 means the shared default.
	DialAttempts int

	// MaxPayloadBytes bounds response frames; 0 means the shared default.
	MaxPayloadBytes int

	// Logger defaults to a nop logger.
	Logger *zap.SugaredLogger
}

func (c *Client) log() *zap.SugaredLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop().Sugar()
}

// SubmitOption customizes one submission.
type SubmitOption func(*wire.Submission) error

// WithTaskID overrides the generated task id.
func WithTaskID(id string) SubmitOption {
	return func(s *wire.Submission) error {
		s.TaskID = id
		return nil
	}
}

// WithContext attaches an opaque context map forwarded to the worker.
func WithContext(v any) SubmitOption {
	return func(s *wire.Submission) error {
		raw, err := wire.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding submission context: %w", err)
		}
		s.Context = raw
		return nil
	}
}

// WithBenchmark asks the worker to report benchmark metrics.
func WithBenchmark() SubmitOption {
	return func(s *wire.Submission) error {
		enabled := true
		s.EnableBenchmark = &enabled
		return nil
	}
}

// Submit sends one opaque payload and blocks for its response. The daemon
// never interprets the payload; it reaches the worker byte-for-byte.
func (c *Client) Submit(ctx context.Context, payload []byte, opts ...SubmitOption) (*wire.Response, error) {
	sub := &wire.Submission{
		Type:   wire.MessageTypeSubmit,
		TaskID: uuid.NewString(),
	}
	if payload != nil {
		raw, err := wire.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		sub.Payload = raw
	}
	for _, opt := range opts {
		if err := opt(sub); err != nil {
			return nil, err
		}
	}

	frame, err := wire.EncodeSubmission(sub)
	if err != nil {
		return nil, err
	}

	conn, err := netutil.Dial(ctx, c.Addr, c.DialAttempts)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c.log().Debugw("submitting task", "TaskID", sub.TaskID, "Addr", c.Addr)
	if err := wire.WriteFrame(conn, frame); err != nil {
		return nil, err
	}
	respFrame, err := wire.ReadFrame(conn, c.maxPayload())
	if err != nil {
		return nil, fmt.Errorf("reading response for task %s: %w", sub.TaskID, err)
	}
	resp, err := wire.DecodeResponse(respFrame)
	if err != nil {
		return nil, err
	}
	if resp.TaskID != sub.TaskID {
		return nil, fmt.Errorf("response task_id %q does not match submission %q", resp.TaskID, sub.TaskID)
	}
	return resp, nil
}

// WaitReady polls the endpoint until a connection succeeds. The daemon has
// no separate readiness channel; a reachable endpoint is the signal.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		conn, err := netutil.Dial(ctx, c.Addr, c.DialAttempts)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("endpoint %q never became ready: %w", c.Addr, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *Client) maxPayload() int {
	if c.MaxPayloadBytes > 0 {
		return c.MaxPayloadBytes
	}
	return wire.DefaultMaxPayloadBytes
}
