package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SignatureVersion is the only signing scheme the command server accepts.
const SignatureVersion = "v1"

// MaxSignatureSkew is how far a URL timestamp may drift from the verifier's
// clock.
const MaxSignatureSkew = 5 * time.Minute

var (
	ErrBadSignature   = errors.New("transport: signature mismatch")
	ErrStaleSignature = errors.New("transport: signature timestamp out of range")
)

// ClientInfo describes the client build reported in the connection URL.
type ClientInfo struct {
	OSVersion  string `yaml:"os_version"`
	AppVersion string `yaml:"app_version"`
	AppVC      string `yaml:"app_vc"`
	AppType    string `yaml:"app_type"`
}

// Sign returns hex(HMAC-SHA256(secret, deviceID + timestamp)).
func Sign(secret, deviceID string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(deviceID + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedURL appends the device identity, client info and signature to base.
// now is the signing time; the timestamp parameter is in epoch seconds.
func SignedURL(base, deviceID, secret string, info ClientInfo, now time.Time) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	if deviceID == "" {
		return "", errors.New("transport: empty device id")
	}

	ts := now.Unix()
	q := u.Query()
	q.Set("device_id", deviceID)
	q.Set("signature", Sign(secret, deviceID, ts))
	q.Set("signature_version", SignatureVersion)
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("os_version", info.OSVersion)
	q.Set("app_version", info.AppVersion)
	q.Set("app_vc", info.AppVC)
	q.Set("app_type", info.AppType)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifyQuery checks the signature parameters of an incoming connection URL
// and returns the device id it authenticates.
func VerifyQuery(q url.Values, secret string, now time.Time) (string, error) {
	deviceID := q.Get("device_id")
	if deviceID == "" {
		return "", fmt.Errorf("%w: missing device_id", ErrBadSignature)
	}
	if v := q.Get("signature_version"); v != SignatureVersion {
		return "", fmt.Errorf("%w: unsupported version %q", ErrBadSignature, v)
	}
	ts, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > MaxSignatureSkew || skew < -MaxSignatureSkew {
		return "", ErrStaleSignature
	}
	want := Sign(secret, deviceID, ts)
	if !hmac.Equal([]byte(want), []byte(q.Get("signature"))) {
		return "", ErrBadSignature
	}
	return deviceID, nil
}

// redact strips the query string so signatures never reach the logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
