package httputil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyHexHMAC(t *testing.T) {
	secret := []byte("gateway-secret")
	body := []byte(`{"messageId":"m1"}`)
	sig := SignHex(secret, body)

	tests := []struct {
		name   string
		secret []byte
		body   []byte
		sig    string
		want   bool
	}{
		{"valid", secret, body, sig, true},
		{"valid with prefix", secret, body, "sha256=" + sig, true},
		{"tampered body", secret, []byte(`{"messageId":"m2"}`), sig, false},
		{"wrong secret", []byte("other"), body, sig, false},
		{"not hex", secret, body, "zz", false},
		{"empty signature", secret, body, "", false},
		{"empty secret", nil, body, sig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyHexHMAC(tt.secret, tt.body, tt.sig))
		})
	}
}
