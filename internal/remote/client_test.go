package remote

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

// roundTripFunc lets a test stand in a fake transport without a real
// network call, in the teacher's stdlib-only testing style.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	c, err := NewClient("https://maas.example.com/MAAS/api/2.0", "ck:tk:ts", true, ServiceMAAS,
		WithHTTPClient(&http.Client{Transport: rt}), WithMaxRetries(1))
	if err != nil {
		t.Fatalf("NewClient() = %v", err)
	}
	return c
}

func TestClientGetDecodesJSON(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", req.Method)
		}
		if !strings.Contains(req.Header.Get("Authorization"), "OAuth") {
			t.Fatalf("missing OAuth authorization header: %q", req.Header.Get("Authorization"))
		}
		return jsonResponse(200, `{"name":"fabric-0"}`), nil
	})

	var out struct {
		Name string `json:"name"`
	}
	if err := c.Get(context.Background(), "fabrics.get", "/fabrics/0/", &out); err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if out.Name != "fabric-0" {
		t.Fatalf("Name = %q", out.Name)
	}
}

func TestClientPostSendsFormBody(t *testing.T) {
	var gotBody string
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(req.Body)
		gotBody = string(b)
		return jsonResponse(200, `{}`), nil
	})

	form := url.Values{"hostname": {"node-01"}}
	if err := c.Post(context.Background(), "machines.create", "/machines/", form, nil); err != nil {
		t.Fatalf("Post() = %v", err)
	}
	if gotBody != "hostname=node-01" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestClientClassifiesPersistentFailure(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(400, `{"error":"bad request"}`), nil
	})

	err := c.Get(context.Background(), "fabrics.get", "/fabrics/0/", nil)
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	var perr *PersistentDriverError
	if !asPersistentError(err, &perr) {
		t.Fatalf("expected *PersistentDriverError, got %T: %v", err, err)
	}
}

func TestClientClassifiesTransientFailureAfterRetries(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(503, `{"error":"unavailable"}`), nil
	})

	err := c.Get(context.Background(), "fabrics.get", "/fabrics/0/", nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries on 503")
	}
	var terr *TransientDriverError
	if !asTransientError(err, &terr) {
		t.Fatalf("expected *TransientDriverError, got %T: %v", err, err)
	}
	if calls < 2 {
		t.Fatalf("calls = %d, want at least 2 (WithMaxRetries(1) means 2 attempts)", calls)
	}
}

func TestClientDeleteNoBody(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodDelete {
			t.Fatalf("method = %s, want DELETE", req.Method)
		}
		return jsonResponse(204, ``), nil
	})
	if err := c.Delete(context.Background(), "machines.delete", "/machines/abc123/"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
}

func TestAuthHeaderOOBUsesBearer(t *testing.T) {
	c, err := NewClient("https://bmc.example.com", "sometoken", true, ServiceOOB)
	if err != nil {
		t.Fatalf("NewClient() = %v", err)
	}
	if got := c.authHeader(); got != "Bearer sometoken" {
		t.Fatalf("authHeader() = %q", got)
	}
}

func asPersistentError(err error, target **PersistentDriverError) bool {
	for err != nil {
		if pe, ok := err.(*PersistentDriverError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func asTransientError(err error, target **TransientDriverError) bool {
	for err != nil {
		if te, ok := err.(*TransientDriverError); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
