package enzyme

import (
	"net/http"
	"testing"
	"time"
)

func TestRequestCloneIsIndependent(t *testing.T) {
	policy := DefaultRetryPolicy()
	orig := &Request{
		Method:     http.MethodGet,
		Path:       "/users/{id}",
		PathParams: map[string]string{"id": "1"},
		Query:      map[string]any{"q": "a"},
		Headers:    map[string]string{"X-A": "1"},
		Retry:      &policy,
	}

	c := orig.Clone()
	c.PathParams["id"] = "2"
	c.Query["q"] = "b"
	c.Headers["X-A"] = "2"
	c.Retry.RetryableStatusCodes[0] = 999

	if orig.PathParams["id"] != "1" || orig.Query["q"] != "a" || orig.Headers["X-A"] != "1" {
		t.Errorf("Clone shares maps with the original: %+v", orig)
	}
	if orig.Retry.RetryableStatusCodes[0] == 999 {
		t.Error("Clone shares the retry policy's status codes")
	}

	var nilReq *Request
	if nilReq.Clone() != nil {
		t.Error("Expected nil clone of nil request")
	}
}

func TestRequestResponseTypeDefault(t *testing.T) {
	if got := (&Request{}).responseType(); got != ResponseJSON {
		t.Errorf("Expected json default, got %s", got)
	}
	if got := (&Request{ResponseType: ResponseText}).responseType(); got != ResponseText {
		t.Errorf("Expected text, got %s", got)
	}
}

func TestResponseHeaderLookup(t *testing.T) {
	h := http.Header{}
	h.Add("Content-Type", "application/json")
	h.Add("X-Multi", "a")
	h.Add("X-Multi", "b")

	resp := &Response[any]{Headers: normalizeHeaders(h)}
	if got := resp.Header("content-type"); got != "application/json" {
		t.Errorf("Expected case-insensitive lookup, got %q", got)
	}
	if got := resp.Header("X-MULTI"); got != "a, b" {
		t.Errorf("Expected joined repeated header, got %q", got)
	}
}

func TestRawResponseCloneCopiesBody(t *testing.T) {
	raw := &RawResponse{
		Status: 200,
		Header: http.Header{"X-A": {"1"}},
		Body:   []byte("hello"),
		Timing: Timing{Duration: time.Second},
	}
	c := raw.clone()
	c.Body[0] = 'j'
	c.Header.Set("X-A", "2")

	if string(raw.Body) != "hello" {
		t.Errorf("clone shares body: %q", raw.Body)
	}
	if raw.Header.Get("X-A") != "1" {
		t.Error("clone shares headers")
	}
}

func TestRoundTripperFunc(t *testing.T) {
	called := false
	rt := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		called = true
		return &http.Response{StatusCode: http.StatusTeapot}, nil
	})

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !called || resp.StatusCode != http.StatusTeapot {
		t.Errorf("Expected function to be called, got status %d", resp.StatusCode)
	}
}
