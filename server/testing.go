/*
	This file contains functions useful for testing the HTTP API in other packages.
	Functions in *_test.go files aren't visible to tests of other packages, so these
	are exported and contain the "Test" keyword.
*/

package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/janelia-flyem/npmutate/mutate"
	"github.com/janelia-flyem/npmutate/storage"
	"github.com/janelia-flyem/npmutate/storage/badger"
)

// NewTestServer returns a server over an in-memory badger store holding the fixture
// as the given dataset.  A nil config uses the defaults.  The store is closed when
// the test ends.
func NewTestServer(t *testing.T, config *Config, dataset string, f *badger.Fixture, mlog storage.MutationLog) *Server {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	store, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("unable to open in-memory badger store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if f != nil {
		if err := badger.Load(context.Background(), store, dataset, f, config.Thresholds(dataset)); err != nil {
			t.Fatalf("unable to load dataset %q: %v", dataset, err)
		}
	}
	s, err := New(config, mutate.NewEngine(store, mlog))
	if err != nil {
		t.Fatalf("unable to create server: %v", err)
	}
	return s
}

// TestHTTPResponse returns the recorded response of the handler to a request.
// Headers are added to the request before it is served.
func TestHTTPResponse(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, urlStr, payload)
	if err != nil {
		t.Fatalf("Unsuccessful %s on %q: %v\n", method, urlStr, err)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

// TestHTTP returns the response body bytes for a test request, making sure the
// response has status OK.
func TestHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader, headers ...string) []byte {
	t.Helper()
	resp := TestHTTPResponse(t, h, method, urlStr, payload, headers...)
	if resp.Code != http.StatusOK {
		t.Fatalf("Bad server response (%d) to %s on %q: %s\n", resp.Code, method, urlStr, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// TestBadHTTP expects a response with the given error status.
func TestBadHTTP(t *testing.T, h http.Handler, status int, method, urlStr string, payload io.Reader, headers ...string) {
	t.Helper()
	resp := TestHTTPResponse(t, h, method, urlStr, payload, headers...)
	if resp.Code != status {
		t.Fatalf("Expected status %d to %s on %q, got %d instead: %s\n", status, method, urlStr, resp.Code, resp.Body.String())
	}
}
