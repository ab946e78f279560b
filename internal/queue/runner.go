package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/codechat/runner/internal/pool"
)

const (
	connectAttempts = 5
	connectBackoff  = 5 * time.Second

	// Matches the producer-side cap on program output.
	maxMessageBytes = 10 * 1024 * 1024
)

// Executor is the slice of the pool the queue ingress needs.
type Executor interface {
	Execute(ctx context.Context, code string, timeoutSec int, userID string) (*pool.Result, error)
}

// Options configures the queue ingress.
type Options struct {
	Brokers       []string
	RequestTopic  string
	ResponseTopic string
	GroupID       string

	Codec    *Codec
	Executor Executor

	// Check screens code before execution; nil disables screening.
	Check func(code string) []string
}

// Runner consumes execution requests from the request topic and publishes one
// response per decryptable request on the response topic.
type Runner struct {
	opts   Options
	reader *kafka.Reader
	writer *kafka.Writer
}

// NewRunner validates options and prepares the consumer and producer. No
// connection is made until Start.
func NewRunner(opts Options) (*Runner, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("queue: no brokers configured")
	}
	if opts.Codec == nil || opts.Executor == nil {
		return nil, errors.New("queue: codec and executor are required")
	}

	return &Runner{
		opts: opts,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     opts.Brokers,
			GroupID:     opts.GroupID,
			Topic:       opts.RequestTopic,
			StartOffset: kafka.FirstOffset,
		}),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        opts.ResponseTopic,
			Balancer:     &kafka.Hash{},
			BatchBytes:   maxMessageBytes,
			WriteTimeout: 30 * time.Second,
		},
	}, nil
}

// WaitForBrokers dials the first broker until it answers, with a bounded
// number of attempts. Kafka usually comes up after the runner in compose
// environments, so a few retries are part of normal startup.
func (r *Runner) WaitForBrokers(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := kafka.DialContext(ctx, "tcp", r.opts.Brokers[0])
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		slog.Warn("kafka not reachable, retrying",
			"broker", r.opts.Brokers[0],
			"attempt", attempt,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return fmt.Errorf("kafka unreachable after %d attempts: %w", connectAttempts, lastErr)
}

// Start runs the consume loop until ctx is cancelled, then closes the
// consumer and producer.
func (r *Runner) Start(ctx context.Context) error {
	defer r.Close()

	slog.Info("queue ingress started",
		"request_topic", r.opts.RequestTopic,
		"response_topic", r.opts.ResponseTopic,
		"group", r.opts.GroupID)

	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("queue ingress stopped")
				return nil
			}
			return fmt.Errorf("queue: read: %w", err)
		}

		resp := r.process(ctx, msg.Value)
		if resp == nil {
			continue
		}
		if err := r.publish(ctx, resp); err != nil {
			slog.Error("failed to publish response",
				"request_id", resp.RequestID,
				"error", err)
		}
	}
}

// Close releases the Kafka connections.
func (r *Runner) Close() {
	if err := r.reader.Close(); err != nil {
		slog.Warn("closing kafka reader", "error", err)
	}
	if err := r.writer.Close(); err != nil {
		slog.Warn("closing kafka writer", "error", err)
	}
}

// process turns one raw message into a response, or nil when the message must
// be skipped. Undecryptable messages carry no usable correlation id, so there
// is nothing to answer to.
func (r *Runner) process(ctx context.Context, value []byte) *Response {
	req, err := r.opts.Codec.DecryptRequest(value)
	if err != nil {
		slog.Warn("dropping undecryptable queue message", "error", err)
		return nil
	}
	if req.RequestID == "" {
		slog.Warn("dropping queue message without request_id")
		return nil
	}

	slog.Info("queue execution request",
		"request_id", req.RequestID,
		"user_id", req.UserID,
		"code_len", len(req.Code))

	if r.opts.Check != nil {
		if violations := r.opts.Check(req.Code); len(violations) > 0 {
			return &Response{
				RequestID:  req.RequestID,
				Error:      "forbidden constructs found: " + strings.Join(violations, "; "),
				StatusCode: http.StatusForbidden,
			}
		}
	}

	result, err := r.opts.Executor.Execute(ctx, req.Code, req.Timeout, req.UserID)
	if err != nil {
		return errorResponse(req.RequestID, err)
	}
	return &Response{
		RequestID:  req.RequestID,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ReturnCode: result.ReturnCode,
	}
}

// errorResponse maps execution failures onto the same status codes the HTTP
// ingress uses.
func errorResponse(requestID string, err error) *Response {
	resp := &Response{RequestID: requestID}
	switch {
	case errors.Is(err, pool.ErrSaturation):
		resp.Error = "no available workers"
		resp.StatusCode = http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrDeadline):
		resp.Error = "execution timed out"
		resp.StatusCode = http.StatusRequestTimeout
	default:
		resp.Error = err.Error()
		resp.StatusCode = http.StatusInternalServerError
	}
	return resp
}

func (r *Runner) publish(ctx context.Context, resp *Response) error {
	token, err := r.opts.Codec.EncryptResponse(resp)
	if err != nil {
		return fmt.Errorf("encrypt response: %w", err)
	}
	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(resp.RequestID),
		Value: token,
	})
}
