// Package signature verifies the authenticity and freshness of signed
// webhook requests from the chat platform.
//
// A request carries a timestamp header and a signature header of the form
// "v0=<hex hmac>". The HMAC-SHA256 is computed over "v0:<timestamp>:<body>"
// with the shared signing secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// TimestampHeader carries the Unix time the platform signed the request.
	TimestampHeader = "X-Slack-Request-Timestamp"
	// SignatureHeader carries the versioned hex HMAC.
	SignatureHeader = "X-Slack-Signature"

	// Version is the only supported signature scheme version.
	Version = "0"

	// MaxAge is the freshness window. Requests from the future are accepted.
	MaxAge = 5 * time.Minute
)

var (
	ErrMalformedTimestamp = errors.New("malformed request timestamp")
	ErrStaleRequest       = errors.New("stale request")
	ErrUnsupportedVersion = errors.New("unsupported signature version")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// Verify checks body against the timestamp and signature headers.
// Staleness is checked before the signature, so an expired request is
// reported as ErrStaleRequest even when its signature is valid.
func Verify(body []byte, timestamp, sig string, secret []byte, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrMalformedTimestamp, timestamp)
	}

	if now.Sub(time.Unix(ts, 0)) > MaxAge {
		return fmt.Errorf("%w: signed at %d", ErrStaleRequest, ts)
	}

	if sig == "" {
		return fmt.Errorf("%w: signature header is empty", ErrSignatureMismatch)
	}

	version, digest, ok := parse(sig)
	if !ok {
		return fmt.Errorf("%w: garbled signature header", ErrSignatureMismatch)
	}
	if version != Version {
		return fmt.Errorf("%w: v%s", ErrUnsupportedVersion, version)
	}

	provided, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: invalid hex digest", ErrSignatureMismatch)
	}

	expected := compute(secret, version, timestamp, body)
	if subtle.ConstantTimeCompare(expected, provided) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign produces the signature header value for body at timestamp.
// The platform signs requests the same way; tests and local tooling use it
// to forge valid requests.
func Sign(secret []byte, timestamp string, body []byte) string {
	return "v" + Version + "=" + hex.EncodeToString(compute(secret, Version, timestamp, body))
}

func compute(secret []byte, version, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("v" + version + ":" + timestamp + ":"))
	mac.Write(body)
	return mac.Sum(nil)
}

// parse splits "v{version}={digest}".
func parse(sig string) (version, digest string, ok bool) {
	if !strings.HasPrefix(sig, "v") {
		return "", "", false
	}
	version, digest, ok = strings.Cut(sig[1:], "=")
	if !ok || version == "" || digest == "" {
		return "", "", false
	}
	return version, digest, true
}
