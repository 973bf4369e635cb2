package egress

import (
	"errors"
	"net/http"
	"net/url"
	"testing"

	"orcascore/engine/internal/llm"
)

type okTransport struct{ calls int }

func (t *okTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func TestPolicyCheck(t *testing.T) {
	policy := NewPolicy("api.anthropic.com", "127.0.0.1", " ")

	cases := []struct {
		url     string
		allowed bool
	}{
		{"https://api.anthropic.com/v1/messages", true},
		{"https://API.Anthropic.com/v1/messages", true},
		{"http://api.anthropic.com/v1/messages", false},
		{"https://evil.example.com/v1/messages", false},
		{"https://127.0.0.1/v1/messages", false},
		{"http://127.0.0.1:4000/v1/messages", false},
		{"ftp://api.anthropic.com/file", false},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.url)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.url, err)
		}
		err = policy.Check(u)
		if tc.allowed && err != nil {
			t.Fatalf("%s: expected allowed, got %v", tc.url, err)
		}
		if !tc.allowed && !errors.Is(err, llm.ErrEgressBlocked) {
			t.Fatalf("%s: expected egress blocked, got %v", tc.url, err)
		}
	}
	if err := policy.Check(nil); !errors.Is(err, llm.ErrEgressBlocked) {
		t.Fatalf("expected nil url to be blocked, got %v", err)
	}
}

func TestTransportForwardsOnlyAllowed(t *testing.T) {
	base := &okTransport{}
	policy := NewPolicy("127.0.0.1", "localhost")
	policy.LoopbackHTTP = true
	rt := policy.Transport(base)

	for _, target := range []string{"http://127.0.0.1:4000/v1/messages", "http://localhost:4000/v1/messages"} {
		req, _ := http.NewRequest(http.MethodPost, target, nil)
		if _, err := rt.RoundTrip(req); err != nil {
			t.Fatalf("%s: expected loopback http to pass, got %v", target, err)
		}
	}
	req, _ := http.NewRequest(http.MethodPost, "http://gateway.internal/v1/messages", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, llm.ErrEgressBlocked) {
		t.Fatalf("expected non-loopback http to be blocked, got %v", err)
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 forwarded requests, got %d", base.calls)
	}
}
