package metadata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckAcceptsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"nft"}`))
	}))
	defer srv.Close()

	f := NewFetcher("", time.Second)
	if err := f.Check(context.Background(), srv.URL+"/meta.json"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestCheckRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher("", time.Second)
	err := f.Check(context.Background(), srv.URL+"/missing.json")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestCheckResolvesIPFSThroughGateway(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/ipfs/", time.Second)
	if err := f.Check(context.Background(), "ipfs://Qm123/0.json"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if gotPath != "/ipfs/Qm123/0.json" {
		t.Fatalf("unexpected gateway path %q", gotPath)
	}
}

func TestResolve(t *testing.T) {
	f := NewFetcher("https://gw.example/ipfs", 0)
	cases := map[string]string{
		"ipfs://Qm123":          "https://gw.example/ipfs/Qm123",
		"ipfs://ipfs/Qm123":     "https://gw.example/ipfs/Qm123",
		"ipfs:Qm123":            "https://gw.example/ipfs/Qm123",
		"ipfs:x":                "https://gw.example/ipfs/x",
		"IPFS://Qm9/1.json":     "https://gw.example/ipfs/Qm9/1.json",
		"https://x.example/a":   "https://x.example/a",
		"  http://x.example/b ": "http://x.example/b",
	}
	for in, want := range cases {
		got, err := f.Resolve(in)
		if err != nil {
			t.Fatalf("resolve %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("resolve %q: expected %q got %q", in, want, got)
		}
	}
	if _, err := f.Resolve("ipfs:"); err == nil {
		t.Fatalf("expected error for empty ipfs path")
	}
	if _, err := f.Resolve("ftp://x.example/a"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected unsupported scheme, got %v", err)
	}
}

func TestCheckTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	f := NewFetcher("", 20*time.Millisecond)
	if err := f.Check(context.Background(), srv.URL); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected unreachable on timeout, got %v", err)
	}
}
