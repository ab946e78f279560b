package pool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oneSlotPool(t *testing.T, handler http.HandlerFunc) *Pool {
	t.Helper()
	addr := fakeExecutor(t, handler)
	return New([]*Slot{NewSlot("w0", addr, 9000)}, Options{DefaultTimeout: 10})
}

func TestRun_ExecutorTimeout(t *testing.T) {
	p := oneSlotPool(t, func(w http.ResponseWriter, r *http.Request) {
		// The executor's own deadline fired
		w.WriteHeader(http.StatusRequestTimeout)
	})

	_, err := p.Execute(context.Background(), "while True: pass", 1, "")
	assert.ErrorIs(t, err, ErrDeadline)
}

func TestRun_ExecutorFailure(t *testing.T) {
	p := oneSlotPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"interpreter crashed"}`))
	})

	_, err := p.Execute(context.Background(), "pass", 0, "")
	var se *SandboxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "w0", se.Worker)
	assert.Contains(t, se.Error(), "interpreter crashed")
}

func TestRun_ExecutorFailureWithoutBody(t *testing.T) {
	p := oneSlotPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := p.Execute(context.Background(), "pass", 0, "")
	var se *SandboxError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "502")
}

func TestRun_UnparseableResponse(t *testing.T) {
	p := oneSlotPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := p.Execute(context.Background(), "pass", 0, "")
	var se *SandboxError
	require.ErrorAs(t, err, &se)
}

func TestRun_UnreachableSandbox(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	p := New([]*Slot{NewSlot("w0", addr, 9000)}, Options{DefaultTimeout: 10})
	_, err := p.Execute(context.Background(), "pass", 0, "")
	var se *SandboxError
	require.ErrorAs(t, err, &se)
	assert.NotErrorIs(t, err, ErrDeadline)
}

func TestRun_PassesTimeoutToExecutor(t *testing.T) {
	var gotBody string
	p := oneSlotPool(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`{"stdout":"","stderr":"","return_code":0}`))
	})

	_, err := p.Execute(context.Background(), "pass", 7, "")
	require.NoError(t, err)
	assert.Contains(t, gotBody, `"timeout":7`)
}

func TestClassifyTransportError(t *testing.T) {
	deadline := 2 * time.Second

	// A transport timeout after the deadline elapsed is the deadline firing
	err := classifyTransportError(context.DeadlineExceeded, 3*time.Second, deadline, "w0")
	assert.ErrorIs(t, err, ErrDeadline)

	// A timeout well before the deadline means the sandbox went away
	err = classifyTransportError(context.DeadlineExceeded, 500*time.Millisecond, deadline, "w0")
	var se *SandboxError
	require.ErrorAs(t, err, &se)

	// A non-timeout failure is never a deadline, however late it happens
	err = classifyTransportError(errors.New("connection reset"), 10*time.Second, deadline, "w0")
	require.ErrorAs(t, err, &se)
}

func TestProbe(t *testing.T) {
	up := fakeExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	down := fakeExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	p := New(nil, Options{})
	assert.True(t, p.probe(context.Background(), up))
	assert.False(t, p.probe(context.Background(), down))
	assert.False(t, p.probe(context.Background(), "127.0.0.1:1"))
}
