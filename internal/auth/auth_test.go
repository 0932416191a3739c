package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

func TestBearerFromHeader(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"Bearer  abc ": "abc",
	}
	for in, want := range cases {
		got, err := BearerFromHeader(in)
		if err != nil || got != want {
			t.Errorf("BearerFromHeader(%q) = %q, %v", in, got, err)
		}
	}
	for _, bad := range []string{"", "Basic abc", "Bearer ", "bearer abc"} {
		if _, err := BearerFromHeader(bad); !errors.Is(err, ErrMissingBearer) {
			t.Errorf("BearerFromHeader(%q) err = %v", bad, err)
		}
	}
}

type countingSource struct{ calls int }

func (c *countingSource) Token() (*oauth2.Token, error) {
	c.calls++
	return &oauth2.Token{AccessToken: "tok"}, nil
}

func TestSource(t *testing.T) {
	tok, err := StaticSource(DevToken).Token(context.Background())
	if err != nil || tok != DevToken {
		t.Fatalf("static = %q, %v", tok, err)
	}

	inner := &countingSource{}
	s := NewSource(inner)
	for i := 0; i < 3; i++ {
		if tok, err := s.Token(context.Background()); err != nil || tok != "tok" {
			t.Fatalf("token = %q, %v", tok, err)
		}
	}
	// a token without expiry stays valid, so the inner source is hit once
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d", inner.calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Token(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled err = %v", err)
	}
}

func tokeninfoServer(t *testing.T, aud string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/v2/tokeninfo" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("access_token") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"audience": aud,
			"user_id":  "1234",
			"email":    "ann@example.com",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestVerifier(t *testing.T, srv *httptest.Server, clientID string, allowDev bool) *GoogleVerifier {
	t.Helper()
	v, err := NewGoogleVerifier(context.Background(), clientID, allowDev,
		option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestGoogleVerifier(t *testing.T) {
	srv := tokeninfoServer(t, "client-1")
	ctx := context.Background()

	v := newTestVerifier(t, srv, "client-1", false)
	p, err := v.Verify(ctx, "good")
	if err != nil {
		t.Fatal(err)
	}
	if p.Subject != "1234" || p.Email != "ann@example.com" || p.Name != "ann" {
		t.Fatalf("principal = %+v", p)
	}
	if _, err := v.Verify(ctx, "bad"); !errors.Is(err, ErrInvalidBearer) {
		t.Fatalf("bad token err = %v", err)
	}
	if _, err := v.Verify(ctx, DevToken); !errors.Is(err, ErrInvalidBearer) {
		t.Fatalf("dev token accepted while disabled: %v", err)
	}

	other := newTestVerifier(t, srv, "client-2", true)
	if _, err := other.Verify(ctx, "good"); !errors.Is(err, ErrAudience) {
		t.Fatalf("audience err = %v", err)
	}
	dev, err := other.Verify(ctx, DevToken)
	if err != nil || dev.Subject != "dev-user" {
		t.Fatalf("dev principal = %+v, %v", dev, err)
	}
}
