package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// transportSlack is added on top of the execution deadline at the HTTP
	// layer. The sandbox owns the real deadline; the slack exists so that a
	// legitimate timeout surfaces as the executor's 408, not a transport cut.
	transportSlack = 5 * time.Second

	probeTimeout = 5 * time.Second

	// Programs may print large outputs; cap what we are willing to buffer.
	maxResponseBytes = 16 << 20
)

type executorResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
	Error      string `json:"error"`
}

// run posts code to the slot's executor and normalizes the outcome.
func (p *Pool) run(ctx context.Context, slot *Slot, code string, timeoutSec int) (*Result, error) {
	deadline := time.Duration(timeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline+transportSlack)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{
		"code":    code,
		"timeout": timeoutSec,
	})
	if err != nil {
		return nil, &SandboxError{Worker: slot.Name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+slot.Addr+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, &SandboxError{Worker: slot.Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, time.Since(start), deadline, slot.Name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &SandboxError{Worker: slot.Name, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var er executorResponse
		if err := json.Unmarshal(raw, &er); err != nil {
			return nil, &SandboxError{Worker: slot.Name, Err: fmt.Errorf("unparseable executor response: %w", err)}
		}
		return &Result{Stdout: er.Stdout, Stderr: er.Stderr, ReturnCode: er.ReturnCode}, nil

	case http.StatusRequestTimeout:
		return nil, ErrDeadline

	default:
		msg := fmt.Sprintf("executor returned status %d", resp.StatusCode)
		var er executorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return nil, &SandboxError{Worker: slot.Name, Err: errors.New(msg)}
	}
}

// classifyTransportError maps a failed round-trip: a timeout after the
// execution deadline elapsed is the deadline firing; anything else means the
// sandbox is unreachable.
func classifyTransportError(err error, elapsed, deadline time.Duration, worker string) error {
	if elapsed >= deadline && isTimeout(err) {
		return ErrDeadline
	}
	return &SandboxError{Worker: worker, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// probe checks a single executor's health endpoint.
func (p *Pool) probe(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
