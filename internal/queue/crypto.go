// Package queue consumes encrypted execution requests from Kafka and produces
// encrypted responses. Each direction uses its own Fernet key so a client that
// can submit requests cannot read other clients' results.
package queue

import (
	"crypto/sha256"
	"encoding/json"
	"errors"

	"github.com/fernet/fernet-go"
)

// Request is the decrypted payload of one queued execution.
type Request struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	UserID    string `json:"user_id"`
	Timeout   int    `json:"timeout"`
}

// Response carries an execution result back to the requester, correlated by
// RequestID. Exactly one of the output fields and Error is populated.
type Response struct {
	RequestID  string
	Stdout     string
	Stderr     string
	ReturnCode int
	Error      string
	StatusCode int
}

// MarshalJSON keeps the wire shape minimal: failures carry an error and a
// status code, successes carry the captured output.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(map[string]interface{}{
			"request_id":  r.RequestID,
			"error":       r.Error,
			"status_code": r.StatusCode,
		})
	}
	return json.Marshal(map[string]interface{}{
		"request_id":  r.RequestID,
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
		"return_code": r.ReturnCode,
	})
}

// ErrBadToken marks a message that failed Fernet verification.
var ErrBadToken = errors.New("invalid fernet token")

// Codec encrypts and decrypts queue payloads. The request key belongs to the
// submitting side, the response key to this service.
type Codec struct {
	requestKey  *fernet.Key
	responseKey *fernet.Key
}

// NewCodec derives both direction keys from their shared secrets.
func NewCodec(requestSecret, responseSecret string) *Codec {
	return &Codec{
		requestKey:  deriveKey(requestSecret),
		responseKey: deriveKey(responseSecret),
	}
}

// deriveKey turns an arbitrary-length shared secret into a Fernet key by
// hashing it, so operators are not forced to mint base64 key material.
func deriveKey(secret string) *fernet.Key {
	sum := sha256.Sum256([]byte(secret))
	key := fernet.Key(sum)
	return &key
}

// DecryptRequest verifies and decodes an inbound token.
func (c *Codec) DecryptRequest(token []byte) (*Request, error) {
	plain := fernet.VerifyAndDecrypt(token, 0, []*fernet.Key{c.requestKey})
	if plain == nil {
		return nil, ErrBadToken
	}
	var req Request
	if err := json.Unmarshal(plain, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncryptResponse encodes and signs an outbound response.
func (c *Codec) EncryptResponse(resp *Response) ([]byte, error) {
	plain, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return fernet.EncryptAndSign(plain, c.responseKey)
}

// EncryptRequest produces a token the consumer side will accept. The service
// itself never submits requests; clients and tests do.
func (c *Codec) EncryptRequest(req *Request) ([]byte, error) {
	plain, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return fernet.EncryptAndSign(plain, c.requestKey)
}

// DecryptResponse is the client-side counterpart of EncryptResponse.
func (c *Codec) DecryptResponse(token []byte) (map[string]interface{}, error) {
	plain := fernet.VerifyAndDecrypt(token, 0, []*fernet.Key{c.responseKey})
	if plain == nil {
		return nil, ErrBadToken
	}
	var out map[string]interface{}
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, err
	}
	return out, nil
}
