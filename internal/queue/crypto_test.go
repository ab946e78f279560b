package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RequestRoundTrip(t *testing.T) {
	c := NewCodec("request-secret", "response-secret")

	tok, err := c.EncryptRequest(&Request{
		RequestID: "req-1",
		Code:      "print('hi')",
		UserID:    "alice",
		Timeout:   5,
	})
	require.NoError(t, err)

	req, err := c.DecryptRequest(tok)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "print('hi')", req.Code)
	assert.Equal(t, "alice", req.UserID)
	assert.Equal(t, 5, req.Timeout)
}

func TestCodec_ResponseRoundTrip(t *testing.T) {
	c := NewCodec("request-secret", "response-secret")

	tok, err := c.EncryptResponse(&Response{
		RequestID:  "req-1",
		Stdout:     "hi\n",
		ReturnCode: 0,
	})
	require.NoError(t, err)

	out, err := c.DecryptResponse(tok)
	require.NoError(t, err)
	assert.Equal(t, "req-1", out["request_id"])
	assert.Equal(t, "hi\n", out["stdout"])
	assert.Equal(t, "", out["stderr"])
	assert.NotContains(t, out, "error")
}

func TestCodec_WrongKeyRejected(t *testing.T) {
	a := NewCodec("secret-a", "response-secret")
	b := NewCodec("secret-b", "response-secret")

	tok, err := a.EncryptRequest(&Request{RequestID: "req-1", Code: "pass"})
	require.NoError(t, err)

	_, err = b.DecryptRequest(tok)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestCodec_DirectionKeysAreIndependent(t *testing.T) {
	c := NewCodec("same-secret", "same-secret")
	d := NewCodec("request-secret", "response-secret")

	// Same secret derives the same key regardless of direction
	tok, err := c.EncryptRequest(&Request{RequestID: "x"})
	require.NoError(t, err)
	_, err = c.DecryptRequest(tok)
	require.NoError(t, err)

	// A response token is not a valid request token when keys differ
	rtok, err := d.EncryptResponse(&Response{RequestID: "x"})
	require.NoError(t, err)
	_, err = d.DecryptRequest(rtok)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestCodec_GarbageToken(t *testing.T) {
	c := NewCodec("request-secret", "response-secret")
	_, err := c.DecryptRequest([]byte("not a token"))
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestResponse_MarshalShapes(t *testing.T) {
	ok, err := json.Marshal(&Response{RequestID: "r1", Stdout: "out", Stderr: "", ReturnCode: 0})
	require.NoError(t, err)
	var okm map[string]interface{}
	require.NoError(t, json.Unmarshal(ok, &okm))
	assert.Equal(t, []string{"request_id", "return_code", "stderr", "stdout"}, sortedKeys(okm))

	fail, err := json.Marshal(&Response{RequestID: "r1", Error: "no available workers", StatusCode: 503})
	require.NoError(t, err)
	var failm map[string]interface{}
	require.NoError(t, json.Unmarshal(fail, &failm))
	assert.Equal(t, []string{"error", "request_id", "status_code"}, sortedKeys(failm))
	assert.Equal(t, float64(503), failm["status_code"])
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}
