package seal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPKeyServer_FetchShare_ReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("share-bytes"))
	}))
	defer srv.Close()

	ks := NewHTTPKeyServer("s1", srv.URL, 1, time.Second)
	share, err := ks.FetchShare(context.Background(), ShareRequest{SessionHandle: "h1"})
	if err != nil {
		t.Fatalf("FetchShare: %v", err)
	}
	if string(share) != "share-bytes" {
		t.Fatalf("share = %q, want share-bytes", share)
	}
	if ks.ID() != "s1" || ks.Weight() != 1 {
		t.Fatalf("ID/Weight = %q/%d, want s1/1", ks.ID(), ks.Weight())
	}
}

func TestHTTPKeyServer_FetchShare_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ks := NewHTTPKeyServer("s1", srv.URL, 1, time.Second)
	_, err := ks.FetchShare(context.Background(), ShareRequest{SessionHandle: "h1"})
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
