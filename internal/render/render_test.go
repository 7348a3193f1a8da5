package render

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/taskpdf/taskpdf/internal/config"
)

func pdfServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		pdf := fmt.Sprintf("%%PDF %s %s %v", body["task_name"], body["content"], body["title"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message": base64.StdEncoding.EncodeToString([]byte(pdf))})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRender(t *testing.T) {
	var calls atomic.Int32
	ts := pdfServer(t, &calls)

	c, err := New(config.Renderer{URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}

	req := Request{TaskName: "A", Content: []byte("# Task A"), Config: json.RawMessage(`{"title": "Contest"}`)}

	a, err := c.Render(t.Context(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if a.Name != "A.pdf" || a.Cached {
		t.Fatalf("unexpected artifact: %+v", a)
	}
	if exp := "%PDF A # Task A Contest"; string(a.Data) != exp {
		t.Fatalf("expected %q, got %q", exp, a.Data)
	}

	b, err := c.Render(t.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Cached || b.Digest != a.Digest {
		t.Fatalf("expected cached artifact, got %+v", b)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call to the rendering service, got %d", calls.Load())
	}

	req.Content = []byte("# Task A, revised")
	if _, err := c.Render(t.Context(), req); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected changed content to be rendered again, got %d calls", calls.Load())
	}
}

func TestRenderInvalidResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		exp    string
	}{
		{name: "status", status: http.StatusInternalServerError, body: `{}`, exp: "unsuccessful status code 500"},
		{name: "malformed json", status: http.StatusOK, body: `{"message": `, exp: "response is not a JSON object"},
		{name: "not an object", status: http.StatusOK, body: `["x"]`, exp: "response is not a JSON object"},
		{name: "missing message", status: http.StatusOK, body: `{"error": "x"}`, exp: "message is missing"},
		{name: "non-string message", status: http.StatusOK, body: `{"message": 42}`, exp: "message in json is not a string"},
		{name: "null message", status: http.StatusOK, body: `{"message": null}`, exp: "message in json is not a string"},
		{name: "bad base64", status: http.StatusOK, body: `{"message": "%%%"}`, exp: "message is not valid base64"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer ts.Close()

			c, err := New(config.Renderer{URL: ts.URL})
			if err != nil {
				t.Fatal(err)
			}

			_, err = c.Render(t.Context(), Request{TaskName: "A", Content: []byte("x")})
			if !errors.Is(err, ErrInvalidResponse) {
				t.Fatalf("expected invalid response error, got %v", err)
			}
			if exp := ErrInvalidResponse.Error() + ": " + tc.exp; !strings.HasPrefix(err.Error(), exp) {
				t.Fatalf("expected %q, got %q", exp, err.Error())
			}
		})
	}
}

func TestRenderInvalidConfig(t *testing.T) {
	var calls atomic.Int32
	ts := pdfServer(t, &calls)

	c, err := New(config.Renderer{URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Render(t.Context(), Request{TaskName: "A", Config: json.RawMessage(`[1, 2, 3]`)})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("expected no call to the rendering service")
	}
}

func TestRenderNotConfigured(t *testing.T) {
	c, err := New(config.Renderer{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Render(t.Context(), Request{TaskName: "A"}); !errors.Is(err, errNotConfigured) {
		t.Fatalf("expected not configured error, got %v", err)
	}
}

func TestRenderCredentials(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, `{"message": "UERG"}`)
	}))
	defer ts.Close()

	root, err := config.Parse(fmt.Appendf(nil, `
renderer:
  url: %s
  credentials: renderer
  headers:
    X-Api-Version: "2"
secrets:
  renderer:
    type: token_auth
    token: s3cret
`, ts.URL))
	if err != nil {
		t.Fatal(err)
	}

	c, err := New(root.Renderer)
	if err != nil {
		t.Fatal(err)
	}

	a, err := c.Render(t.Context(), Request{TaskName: "A", Content: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Data) != "PDF" {
		t.Fatalf("unexpected artifact data %q", a.Data)
	}

	exp := map[string]string{
		"Authorization": "Bearer s3cret",
		"X-Api-Version": "2",
		"Content-Type":  "application/json",
	}
	act := map[string]string{}
	for name := range exp {
		act[name] = got.Get(name)
	}
	if diff := cmp.Diff(exp, act); diff != "" {
		t.Fatal("unexpected headers (-want,+got)", diff)
	}
}
