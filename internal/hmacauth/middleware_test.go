package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func fixedVerifier(now time.Time) *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}
}

func TestMiddleware_AllowsSignedRequest(t *testing.T) {
	body := `{"tokenUri":"ipfs://Qm123"}`
	now := time.Unix(1_700_000_000, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mints", strings.NewReader(body))
	if err := Sign(req, "secret", now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()

	var gotBody string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	})

	fixedVerifier(now).Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if gotBody != body {
		t.Fatalf("handler must still see the body, got %q", gotBody)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mints", strings.NewReader(`{}`))
	req.Header.Set(HeaderSignature, "deadbeef")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	rec := httptest.NewRecorder()

	fixedVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_SignatureCoversPath(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/connect", nil)
	if err := Sign(req, "secret", now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	replayed := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/disconnect", nil)
	replayed.Header = req.Header.Clone()
	rec := httptest.NewRecorder()

	fixedVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("signature for another path must not verify")
	})).ServeHTTP(rec, replayed)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mints", strings.NewReader(`{}`))
	if err := Sign(req, "secret", now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()

	fixedVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), ErrStaleTimestamp.Error()) {
		t.Fatalf("expected stale timestamp rejection, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMiddleware_DisabledWithoutSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mints/reset", nil)
	rec := httptest.NewRecorder()
	called := false
	(&Verifier{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)
	if !called {
		t.Fatalf("verification should be off without a secret")
	}
}

func TestMiddleware_HeaderFormats(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name   string
		mutate func(h http.Header)
		want   int
	}{
		{"upper case signature", func(h http.Header) { h.Set(HeaderSignature, strings.ToUpper(h.Get(HeaderSignature))) }, http.StatusOK},
		{"prefixed signature", func(h http.Header) { h.Set(HeaderSignature, "0x"+h.Get(HeaderSignature)) }, http.StatusOK},
		{"non hex signature", func(h http.Header) { h.Set(HeaderSignature, "not-hex") }, http.StatusUnauthorized},
		{"missing signature", func(h http.Header) { h.Del(HeaderSignature) }, http.StatusUnauthorized},
		{"malformed timestamp", func(h http.Header) { h.Set(HeaderTimestamp, "yesterday") }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/mints/reset", nil)
			if err := Sign(req, "secret", now); err != nil {
				t.Fatalf("sign: %v", err)
			}
			tc.mutate(req.Header)
			rec := httptest.NewRecorder()
			fixedVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
