package download

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeAria2 serves a minimal aria2 JSON-RPC surface: addUri always
// succeeds; tellStatus reports "active" once then "complete".
type fakeAria2 struct {
	calls int
}

func (f *fakeAria2) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "aria2.addUri":
			json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`"gid123"`)})
		case "aria2.tellStatus":
			f.calls++
			if f.calls < 2 {
				json.NewEncoder(w).Encode(rpcResponse{Result: mustMarshal(tellStatusResult{
					CompletedLength: "1048576", TotalLength: "10485760", DownloadSpeed: "1048576", Status: "active",
				})})
				return
			}
			json.NewEncoder(w).Encode(rpcResponse{Result: mustMarshal(tellStatusResult{
				CompletedLength: "10485760", TotalLength: "10485760", Status: "complete",
				Files: []statusFile{{Path: "/tmp/out.mkv"}},
			})})
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestFetchCompletes(t *testing.T) {
	fake := &fakeAria2{}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	samples, done := adapter.Fetch(context.Background(), "https://example.com/f.mkv")

	var sampleCount int
	drained := make(chan struct{})
	go func() {
		for range samples {
			sampleCount++
		}
		close(drained)
	}()

	var result Result
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for done")
	}
	<-drained

	if result.Err != nil {
		t.Fatalf("Fetch returned error: %v", result.Err)
	}
	if result.Path != "/tmp/out.mkv" {
		t.Errorf("Path = %q, want /tmp/out.mkv", result.Path)
	}
	if sampleCount == 0 {
		t.Error("expected at least one progress sample")
	}
}

func TestClassifyFailureKinds(t *testing.T) {
	cases := []struct {
		status  int
		message string
		want    FailureKind
	}{
		{http.StatusNotFound, "not found", FailureNotFound},
		{http.StatusUnauthorized, "denied", FailureAccessDenied},
		{http.StatusForbidden, "denied", FailureAccessDenied},
		{0, "connection reset by peer", FailureNetwork},
		{0, "something else broke", FailureUnknown},
	}
	for _, tc := range cases {
		err := classify(tc.status, tc.message)
		if err.Kind != tc.want {
			t.Errorf("classify(%d, %q).Kind = %q, want %q", tc.status, tc.message, err.Kind, tc.want)
		}
	}
}

func newTestAdapter(t *testing.T, serverURL string) *Adapter {
	t.Helper()
	adapter := New(Config{PollInterval: 10 * time.Millisecond})
	adapter.endpoint = serverURL
	return adapter
}
