package auth

import (
	"context"
	"encoding/base64"
	"fmt"
)

type invoker interface {
	Invoke(ctx context.Context, service, method string, payload map[string]any) (map[string]any, error)
}

// RemoteSignatureVerifier delegates verification to the backend crypto service, which owns the
// public keys referenced by token subjects.
type RemoteSignatureVerifier struct {
	backend invoker
	service string
	method  string
}

// NewRemoteSignatureVerifier verifies through crypto/Verify on backend.
func NewRemoteSignatureVerifier(backend invoker) *RemoteSignatureVerifier {
	return &RemoteSignatureVerifier{backend: backend, service: "crypto", method: "Verify"}
}

func (r *RemoteSignatureVerifier) Verify(ctx context.Context, keyRef string, message, signature []byte) (bool, error) {
	if keyRef == "" || len(signature) == 0 {
		return false, nil
	}
	out, err := r.backend.Invoke(ctx, r.service, r.method, map[string]any{
		"algorithm": Algorithm,
		"key_ref":   keyRef,
		"message":   base64.StdEncoding.EncodeToString(message),
		"signature": base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return false, fmt.Errorf("auth: verify signature: %w", err)
	}
	valid, _ := out["valid"].(bool)
	return valid, nil
}
