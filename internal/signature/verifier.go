// Package signature verifies inbound webhook authenticity. The agent
// platform signs the exact raw body bytes with HMAC-SHA256 and sends the
// result in a header of the form:
//
//	X-Bridge-Signature: t=<unix seconds>,v1=<hex hmac>
//
// The signed string is "<t>.<raw body>", which binds the timestamp into the
// signature so a replayed body cannot be re-dated.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rejection reasons. Deliberately coarse: callers learn that verification
// failed, not which byte of the header was wrong.
const (
	ReasonMalformed = "malformed-signature"
	ReasonStale     = "stale-timestamp"
	ReasonMismatch  = "signature-mismatch"
)

// DefaultTolerance is the replay-protection window.
const DefaultTolerance = 5 * time.Minute

// Verify recomputes the HMAC over the raw body bytes and compares it in
// constant time against the header value. It is a pure function: same
// inputs, same verdict. reason is empty when ok is true.
func Verify(rawBody []byte, signatureHeader, secret string, now time.Time) (ok bool, reason string) {
	return VerifyWithTolerance(rawBody, signatureHeader, secret, now, DefaultTolerance)
}

// VerifyWithTolerance is Verify with a caller-supplied replay window.
func VerifyWithTolerance(rawBody []byte, signatureHeader, secret string, now time.Time, tolerance time.Duration) (bool, string) {
	ts, sig, err := parseHeader(signatureHeader)
	if err != nil {
		return false, ReasonMalformed
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return false, ReasonStale
	}

	expected := compute(rawBody, secret, ts)
	if !hmac.Equal(expected, sig) {
		return false, ReasonMismatch
	}

	return true, ""
}

// Sign produces a signature header for rawBody at ts. Used by the seeder and
// by tests; the production signer lives on the agent platform side.
func Sign(rawBody []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(compute(rawBody, secret, unix)))
}

func compute(rawBody []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(rawBody)
	return mac.Sum(nil)
}

func parseHeader(header string) (ts int64, sig []byte, err error) {
	if header == "" {
		return 0, nil, fmt.Errorf("empty header")
	}

	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, fmt.Errorf("bad segment")
		}
		switch k {
		case "t":
			tsPart = v
		case "v1":
			sigPart = v
		}
	}
	if tsPart == "" || sigPart == "" {
		return 0, nil, fmt.Errorf("missing segment")
	}

	ts, err = strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("bad timestamp")
	}

	sig, err = hex.DecodeString(sigPart)
	if err != nil || len(sig) != sha256.Size {
		return 0, nil, fmt.Errorf("bad signature encoding")
	}

	return ts, sig, nil
}

// Verifier binds a shared secret and tolerance for dependency injection.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A non-positive tolerance falls back to
// DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks rawBody against signatureHeader at now.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string, now time.Time) (bool, string) {
	return VerifyWithTolerance(rawBody, signatureHeader, v.secret, now, v.tolerance)
}
