// Package hmacauth signs and verifies API requests with a shared secret.
//
// The MAC is HMAC-SHA256 over the unix timestamp, the upper-cased method, the
// URL path and the raw body, concatenated without separators, hex encoded.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier guards handlers behind a request signature. An empty Secret turns
// verification off.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
	Logger  zerolog.Logger
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.Secret != "" {
			if err := v.check(r); err != nil {
				v.Logger.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request signature rejected")
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) check(r *http.Request) error {
	got, err := decodeSignature(r.Header.Get(HeaderSignature))
	if err != nil {
		return err
	}
	stamp := r.Header.Get(HeaderTimestamp)
	at, err := parseTimestamp(stamp)
	if err != nil {
		return err
	}
	if skew := v.clock().Sub(at).Abs(); skew > v.MaxSkew {
		return fmt.Errorf("%w: off by %s", ErrStaleTimestamp, skew.Round(time.Second))
	}

	body, err := bufferBody(r)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if !hmac.Equal(got, mac(v.Secret, stamp, r.Method, r.URL.Path, body)) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) clock() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Sign sets the timestamp and signature headers on r. The body is buffered and
// put back so r can still be sent or served.
func Sign(r *http.Request, secret string, now time.Time) error {
	body, err := bufferBody(r)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	stamp := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderTimestamp, stamp)
	r.Header.Set(HeaderSignature, hex.EncodeToString(mac(secret, stamp, r.Method, r.URL.Path, body)))
	return nil
}

func decodeSignature(header string) ([]byte, error) {
	if header == "" {
		return nil, ErrMissingSignature
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(header), "0x"))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

func parseTimestamp(header string) (time.Time, error) {
	if header == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	secs, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not unix seconds", ErrMissingTimestamp, header)
	}
	return time.Unix(secs, 0), nil
}

func mac(secret, stamp, method, path string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	for _, part := range [][]byte{[]byte(stamp), []byte(strings.ToUpper(method)), []byte(path), body} {
		h.Write(part)
	}
	return h.Sum(nil)
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))
	r.ContentLength = int64(buf.Len())
	return buf.Bytes(), nil
}
