package httpsession

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

var errTransportFailure = errors.New("transport failure")

func TestCheckRetryOnlyRetriesIdempotentMethods(t *testing.T) {
	get, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	post, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)

	resp := &http.Response{StatusCode: http.StatusServiceUnavailable, Request: get}
	retry, err := checkRetry(context.Background(), resp, nil)
	if err != nil || !retry {
		t.Fatalf("expected GET 503 to retry, got retry=%v err=%v", retry, err)
	}

	resp.Request = post
	retry, err = checkRetry(context.Background(), resp, nil)
	if err != nil || retry {
		t.Fatalf("expected POST 503 not to retry, got retry=%v err=%v", retry, err)
	}
}

func TestCheckRetryOnTransportErrorGatesOnMethod(t *testing.T) {
	getCtx := context.WithValue(context.Background(), methodContextKey{}, http.MethodGet)
	retry, err := checkRetry(getCtx, nil, errTransportFailure)
	if err != nil || !retry {
		t.Fatalf("expected GET transport error to retry, got retry=%v err=%v", retry, err)
	}

	postCtx := context.WithValue(context.Background(), methodContextKey{}, http.MethodPost)
	retry, err = checkRetry(postCtx, nil, errTransportFailure)
	if err != nil || retry {
		t.Fatalf("expected POST transport error not to retry, got retry=%v err=%v", retry, err)
	}
}

func TestCheckRetryOnlyRetriesListedStatuses(t *testing.T) {
	get, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	resp := &http.Response{StatusCode: http.StatusNotFound, Request: get}
	retry, err := checkRetry(context.Background(), resp, nil)
	if err != nil || retry {
		t.Fatalf("expected 404 not to retry, got retry=%v err=%v", retry, err)
	}
}

func TestDoRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(nil)
	defer s.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := s.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestClientRebuildsAfterRequestCap(t *testing.T) {
	s := New(nil)
	defer s.Close()

	first := s.Client()
	for i := int64(0); i < sessionRequestCap; i++ {
		s.Client()
	}
	second := s.Client()
	if first == second {
		t.Fatal("expected client to be rebuilt after exceeding the request cap")
	}
}
