package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestVerifier_Verify(t *testing.T) {
	body := []byte(`{"meta":{"event_name":"order_created"}}`)
	v := NewVerifier("whsec_test")

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(body)
	raw := mac.Sum(nil)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		wantErr   bool
	}{
		{"hex", "whsec_test", body, v.Sign(body), false},
		{"short hex", "whsec_test", body, "ABCD", true},
		{"base64 std", "whsec_test", body, base64.StdEncoding.EncodeToString(raw), false},
		{"base64 raw url", "whsec_test", body, base64.RawURLEncoding.EncodeToString(raw), false},
		{"prefixed", "whsec_test", body, "sha256=" + v.Sign(body), false},
		{"mismatch", "whsec_test", body, v.Sign([]byte("other")), true},
		{"missing signature", "whsec_test", body, "", true},
		{"missing secret", "", body, v.Sign(body), true},
		{"missing body", "whsec_test", nil, v.Sign(body), true},
		{"garbage", "whsec_test", body, "not a signature!", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewVerifier(tt.secret).Verify(tt.body, tt.signature)
			if tt.wantErr {
				assert.ErrorIs(t, err, entitlement.ErrSignatureInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifier_ReserializedBodyFails(t *testing.T) {
	v := NewVerifier("whsec_test")
	original := []byte(`{"a":1,  "b":2}`)
	sig := v.Sign(original)

	assert.Error(t, v.Verify([]byte(`{"a":1,"b":2}`), sig))
	assert.NoError(t, v.Verify(original, sig))
}

func TestVerifier_Nil(t *testing.T) {
	var v *Verifier
	assert.ErrorIs(t, v.Verify([]byte("x"), "00"), entitlement.ErrSignatureInvalid)
}
