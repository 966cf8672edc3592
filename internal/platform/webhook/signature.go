// Package webhook signs and verifies webhook payloads and delivers outbound
// events with retries.
//
// Signatures travel in a single header of the form
//
//	t=<unix seconds>,v1=<hex hmac_sha256(secret, "<t>.<body>")>
//
// Several v1 entries may be present while a secret is being rotated.
package webhook

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

// SignatureHeader carries the signature on inbound and outbound requests.
const SignatureHeader = "X-Vitaluxe-Signature"

// DefaultTolerance is the accepted clock skew between signer and verifier.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature    = errors.New("webhook signature missing")
	ErrMalformedSignature  = errors.New("webhook signature malformed")
	ErrInvalidSignature    = errors.New("webhook signature invalid")
	ErrTimestampOutOfRange = errors.New("webhook timestamp outside tolerance")
)

func computeMAC(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the signature header value for body at ts.
func Sign(secret string, body []byte, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(computeMAC(secret, unix, body)))
}

type parsedHeader struct {
	timestamp  int64
	signatures [][]byte
}

func parseHeader(header string) (parsedHeader, error) {
	var p parsedHeader
	if strings.TrimSpace(header) == "" {
		return p, ErrMissingSignature
	}

	haveTS := false
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return p, ErrMalformedSignature
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return p, ErrMalformedSignature
			}
			p.timestamp, haveTS = ts, true
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil || len(sig) != sha256.Size {
				return p, ErrMalformedSignature
			}
			p.signatures = append(p.signatures, sig)
		}
		// Unknown schemes are ignored so newer signers stay compatible.
	}
	if !haveTS || len(p.signatures) == 0 {
		return p, ErrMalformedSignature
	}
	return p, nil
}

// Verify checks header against body. A non-positive tolerance uses
// DefaultTolerance.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	p, err := parseHeader(header)
	if err != nil {
		return err
	}

	skew := now.Sub(time.Unix(p.timestamp, 0))
	if skew > tolerance || skew < -tolerance {
		return ErrTimestampOutOfRange
	}

	expected := computeMAC(secret, p.timestamp, body)
	for _, sig := range p.signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}
