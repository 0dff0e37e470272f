package apihttp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRequestIDIsEchoedOrMinted(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/resolve?title=x", nil)
	req.Header.Set(requestIDHeader, "batch-7f3a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "batch-7f3a" || rec.Header().Get(requestIDHeader) != "batch-7f3a" {
		t.Fatalf("expected caller id to be kept, got %q / %q", seen, rec.Header().Get(requestIDHeader))
	}

	for _, supplied := range []string{"", "has space", "雪人", strings.Repeat("a", 65)} {
		req := httptest.NewRequest(http.MethodGet, "/resolve", nil)
		req.Header.Set(requestIDHeader, supplied)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if seen == supplied || seen == "" {
			t.Fatalf("supplied %q: expected a minted id, got %q", supplied, seen)
		}
		if rec.Header().Get(requestIDHeader) != seen {
			t.Fatalf("response id %q differs from context id %q", rec.Header().Get(requestIDHeader), seen)
		}
	}
}

func TestTruncateKeepsWholeCharacters(t *testing.T) {
	title := "小红帽和大灰狼的故事完整版"
	got := truncate(title, 8)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid utf-8: %q", got)
	}
	if got != "小红帽和大..." {
		t.Fatalf("unexpected truncation %q", got)
	}
	if truncate("雪人", 80) != "雪人" {
		t.Fatalf("short value should be untouched")
	}
	if truncate("雪人之歌", 2) != "雪人" {
		t.Fatalf("tiny limits keep the leading runes")
	}
}

func TestAcquisitionSubmitsUseTheWriteBucket(t *testing.T) {
	handler := rateLimitMiddleware(RateLimits{ReadRPS: 100, ReadBurst: 100, WriteRPS: 0.001, WriteBurst: 1},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
	do := func(method, target string) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec.Code
	}

	if code := do(http.MethodPost, "/acquisitions"); code != http.StatusAccepted {
		t.Fatalf("first submit: expected 202, got %d", code)
	}
	if code := do(http.MethodPost, "/acquisitions/batch"); code != http.StatusTooManyRequests {
		t.Fatalf("second submit: expected 429, got %d", code)
	}
	// Lookups and polling are unaffected by an exhausted write bucket.
	for _, target := range []string{"/resolve?title=x", "/acquisitions", "/acquisitions/abc"} {
		if code := do(http.MethodGet, target); code != http.StatusAccepted {
			t.Fatalf("GET %s: expected 202, got %d", target, code)
		}
	}
	if code := do(http.MethodPost, "/acquisitions/abc/cancel"); code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", code)
	}
}

func TestRecoveryAfterPartialWriteKeepsStatus(t *testing.T) {
	handler := recoveryMiddleware(NewServer(nil).logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"results":[`))
		panic("encoder failed")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the original status, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "internal_error") {
		t.Fatalf("error envelope appended to a started body: %s", rec.Body.String())
	}
}

func TestQueryAttrsDecodeTitles(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/resolve?title=%E5%B0%8F%E7%BA%A2%E5%B8%BD&category=story&token=secret", nil)
	attrs := queryAttrs(req.URL.Query())
	if len(attrs) != 2 {
		t.Fatalf("expected title and category only, got %v", attrs)
	}
	if attrs[0].Key != "title" || attrs[0].Value.String() != "小红帽" {
		t.Fatalf("unexpected title attr %v", attrs[0])
	}
}
