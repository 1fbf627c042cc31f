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

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"arbiter":"0xa1"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign("secret", ts, []byte(body))

	v := fixedVerifier(now)

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(DefaultSignatureHeader, sig)
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw %q, want the original body", seen)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(DefaultSignatureHeader, "deadbeef")
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	fixedVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("{}"))
	req.Header.Set(DefaultSignatureHeader, Sign("secret", ts, []byte("{}")))
	req.Header.Set(DefaultTimestampHeader, ts)

	if err := fixedVerifier(now).verify(req); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestSignRequestRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier(now)
	v.SignatureHeader = "X-Shell-Signature"

	body := []byte(`{"amount":"1.5"}`)
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(string(body)))
	v.SignRequest(req, body)

	if req.Header.Get("X-Shell-Signature") == "" {
		t.Fatalf("custom signature header not set")
	}
	if err := v.verify(req); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestEmptySecretDisablesVerification(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("{}"))
	if err := v.verify(req); err != nil {
		t.Fatalf("expected pass-through, got %v", err)
	}
}
