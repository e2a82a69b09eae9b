package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body
const SignatureHeader = "X-Signature"

// Verifier authenticates webhook deliveries with a shared secret.
type Verifier struct {
	Secret []byte
}

// NewVerifier creates a verifier for the given shared secret
func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: []byte(secret)}
}

// Verify checks signature against the HMAC-SHA256 of body. The signature may be hex or base64
// encoded. Any missing input or mismatch returns entitlement.ErrSignatureInvalid.
func (v *Verifier) Verify(body []byte, signature string) error {
	if v == nil || len(v.Secret) == 0 || len(body) == 0 {
		return entitlement.ErrSignatureInvalid
	}
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if signature == "" {
		return entitlement.ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, candidate := range decodeSignature(signature) {
		if hmac.Equal(candidate, expected) {
			return nil
		}
	}
	return entitlement.ErrSignatureInvalid
}

// Sign returns the hex HMAC-SHA256 of body, as the provider sends it.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeSignature(sig string) [][]byte {
	var out [][]byte
	if b, err := hex.DecodeString(sig); err == nil {
		out = append(out, b)
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(sig); err == nil {
			out = append(out, b)
		}
	}
	return out
}
