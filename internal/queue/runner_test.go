package queue

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codechat/runner/internal/pool"
)

type stubExecutor struct {
	result *pool.Result
	err    error

	gotCode    string
	gotTimeout int
	gotUser    string
}

func (s *stubExecutor) Execute(ctx context.Context, code string, timeoutSec int, userID string) (*pool.Result, error) {
	s.gotCode = code
	s.gotTimeout = timeoutSec
	s.gotUser = userID
	return s.result, s.err
}

func newTestRunner(t *testing.T, exec Executor, check func(string) []string) (*Runner, *Codec) {
	t.Helper()
	codec := NewCodec("request-secret", "response-secret")
	r, err := NewRunner(Options{
		Brokers:       []string{"localhost:9092"},
		RequestTopic:  "code-execution-requests",
		ResponseTopic: "code-execution-responses",
		GroupID:       "runner-consumer-group",
		Codec:         codec,
		Executor:      exec,
		Check:         check,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, codec
}

func encrypt(t *testing.T, codec *Codec, req *Request) []byte {
	t.Helper()
	tok, err := codec.EncryptRequest(req)
	require.NoError(t, err)
	return tok
}

func TestProcess_Success(t *testing.T) {
	exec := &stubExecutor{result: &pool.Result{Stdout: "hi\n", ReturnCode: 0}}
	r, codec := newTestRunner(t, exec, nil)

	resp := r.process(context.Background(), encrypt(t, codec, &Request{
		RequestID: "abc",
		Code:      "print('hi')",
		UserID:    "alice",
		Timeout:   5,
	}))

	require.NotNil(t, resp)
	assert.Equal(t, "abc", resp.RequestID)
	assert.Equal(t, "hi\n", resp.Stdout)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "print('hi')", exec.gotCode)
	assert.Equal(t, 5, exec.gotTimeout)
	assert.Equal(t, "alice", exec.gotUser)
}

func TestProcess_UndecryptableSkipped(t *testing.T) {
	exec := &stubExecutor{}
	r, _ := newTestRunner(t, exec, nil)

	other := NewCodec("wrong-secret", "response-secret")
	tok, err := other.EncryptRequest(&Request{RequestID: "abc", Code: "pass"})
	require.NoError(t, err)

	assert.Nil(t, r.process(context.Background(), tok))
	assert.Nil(t, r.process(context.Background(), []byte("garbage")))
	assert.Empty(t, exec.gotCode, "executor must not run for dropped messages")
}

func TestProcess_MissingRequestIDSkipped(t *testing.T) {
	exec := &stubExecutor{}
	r, codec := newTestRunner(t, exec, nil)

	resp := r.process(context.Background(), encrypt(t, codec, &Request{Code: "pass"}))
	assert.Nil(t, resp)
}

func TestProcess_ScreenerRejection(t *testing.T) {
	exec := &stubExecutor{}
	check := func(code string) []string { return []string{"import os"} }
	r, codec := newTestRunner(t, exec, check)

	resp := r.process(context.Background(), encrypt(t, codec, &Request{
		RequestID: "abc",
		Code:      "import os",
	}))

	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, resp.Error, "import os")
	assert.Empty(t, exec.gotCode)
}

func TestProcess_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"saturation", pool.ErrSaturation, http.StatusServiceUnavailable, "no available workers"},
		{"deadline", pool.ErrDeadline, http.StatusRequestTimeout, "execution timed out"},
		{"sandbox", &pool.SandboxError{Worker: "w0", Err: errors.New("connection refused")}, http.StatusInternalServerError, "sandbox w0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, codec := newTestRunner(t, &stubExecutor{err: tc.err}, nil)

			resp := r.process(context.Background(), encrypt(t, codec, &Request{
				RequestID: "abc",
				Code:      "pass",
			}))

			require.NotNil(t, resp)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			assert.Contains(t, resp.Error, tc.wantError)
		})
	}
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(Options{})
	assert.Error(t, err)

	_, err = NewRunner(Options{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
