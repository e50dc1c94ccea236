package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "Billing-Signature"

// DefaultSignatureTolerance bounds the age of an accepted signature.
const DefaultSignatureTolerance = 5 * time.Minute

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// SignatureVerifier checks provider webhook signatures.
type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSignatureVerifier creates a verifier. A zero tolerance disables the
// timestamp check.
func NewSignatureVerifier(secret string, tolerance time.Duration) *SignatureVerifier {
	return &SignatureVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify checks header against payload.
func (v *SignatureVerifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}

	ts, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	expected := computeSignature(v.secret, ts, payload)
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// Sign produces a header value for payload. Used by tooling and tests.
func Sign(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	sig := computeSignature([]byte(secret), ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(sig))
}

func computeSignature(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}

	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}

	if ts == 0 {
		return 0, nil, fmt.Errorf("%w: missing timestamp", ErrInvalidSignature)
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: missing v1 signature", ErrInvalidSignature)
	}
	return ts, sigs, nil
}
