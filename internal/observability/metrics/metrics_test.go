package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{name: "root path", method: "get", path: "/", status: 200, duration: 50 * time.Millisecond},
		{name: "empty path", method: "GET", path: "", status: 200, duration: 25 * time.Millisecond},
		{name: "id segment", method: "post", path: "/sessions/123", status: 201, duration: 100 * time.Millisecond},
		{name: "trailing slash and alpha id", method: "POST", path: "/sessions/abc123def/", status: 201, duration: 50 * time.Millisecond},
		{name: "multi ids", method: "PATCH", path: "feeds/abc/456/extra", status: 404, duration: 10 * time.Millisecond},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		if got := recorder.requestCount[label]; got != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, got, expected.count)
		}
		if got := recorder.requestDuration[label]; got != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, got, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}
	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestActiveSessionGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	ends := 150

	wg.Add(starts + ends)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.SessionStarted()
		}()
	}
	for i := 0; i < ends; i++ {
		go func() {
			defer wg.Done()
			recorder.SessionEnded()
		}()
	}
	wg.Wait()

	if active := recorder.ActiveSessions(); active != 0 {
		t.Fatalf("active sessions should not go negative; got %d", active)
	}
}

func TestObserveSessionStage(t *testing.T) {
	recorder := New()
	recorder.ObserveSessionStage("awaiting_video")
	recorder.ObserveSessionStage("Awaiting_Video")
	recorder.ObserveSessionStage("done")

	if got := recorder.sessionStageEvents["awaiting_video"]; got != 2 {
		t.Fatalf("expected 2 awaiting_video events, got %d", got)
	}
	if got := recorder.sessionStageEvents["done"]; got != 1 {
		t.Fatalf("expected 1 done event, got %d", got)
	}
}

func TestObserveProgressEdit(t *testing.T) {
	recorder := New()
	recorder.ObserveProgressEdit("issued")
	recorder.ObserveProgressEdit("issued")
	recorder.ObserveProgressEdit("rate_limited")
	recorder.ObserveProgressEdit("diff_suppressed")

	if recorder.progressEditsIssued != 2 {
		t.Fatalf("expected 2 issued edits, got %d", recorder.progressEditsIssued)
	}
	if recorder.progressEditsRateLimited != 1 {
		t.Fatalf("expected 1 rate_limited edit, got %d", recorder.progressEditsRateLimited)
	}
	if recorder.progressEditsDiffSuppressed != 1 {
		t.Fatalf("expected 1 diff_suppressed edit, got %d", recorder.progressEditsDiffSuppressed)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/sessions/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/sessions/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/sessions", 201, time.Second)

	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionEnded()

	recorder.ObserveSessionStage("awaiting_video")
	recorder.ObserveSessionStage("done")

	recorder.ObserveProgressEdit("issued")
	recorder.ObserveProgressEdit("rate_limited")

	recorder.AddDownloadBytes(2048)
	recorder.AddUploadBytes(4096)

	recorder.ObserveMediaTool("mux", "ok")
	recorder.ObserveMuxWait(250 * time.Millisecond)

	recorder.ObserveFeedPublish("announcements")
	recorder.ObserveFeedSkip()

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	wantSubstrings := []string{
		`submerger_http_requests_total{method="GET",path="/sessions/:id",status="200"} 2`,
		`submerger_http_requests_total{method="POST",path="/sessions",status="201"} 1`,
		`submerger_session_stage_total{stage="awaiting_video"} 1`,
		`submerger_session_stage_total{stage="done"} 1`,
		`submerger_active_sessions 1`,
		`submerger_progress_edits_total{outcome="issued"} 1`,
		`submerger_progress_edits_total{outcome="rate_limited"} 1`,
		`submerger_transfer_bytes_total{direction="download"} 2048`,
		`submerger_transfer_bytes_total{direction="upload"} 4096`,
		`submerger_media_tool_invocations_total{operation="mux",outcome="ok"} 1`,
		`submerger_mux_wait_seconds_count 1`,
		`submerger_feed_publishes_total{channel="announcements"} 1`,
		`submerger_feed_skips_total 1`,
	}
	for _, want := range wantSubstrings {
		if !strings.Contains(body, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, body)
		}
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))
	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if !strings.Contains(res.Body.String(), `submerger_active_sessions 1`) {
		t.Fatalf("expected handler output to match Write output")
	}
}

func TestResetClearsState(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/x", 200, time.Millisecond)
	recorder.SessionStarted()
	recorder.ObserveProgressEdit("issued")
	recorder.AddDownloadBytes(10)
	recorder.ObserveFeedPublish("c")

	recorder.Reset()

	if len(recorder.requestCount) != 0 {
		t.Fatalf("expected request counts cleared")
	}
	if recorder.ActiveSessions() != 0 {
		t.Fatalf("expected active sessions cleared")
	}
	if recorder.progressEditsIssued != 0 {
		t.Fatalf("expected progress edit counters cleared")
	}
	if recorder.downloadBytes.Load() != 0 {
		t.Fatalf("expected download bytes cleared")
	}
	if len(recorder.feedPublishes) != 0 {
		t.Fatalf("expected feed publishes cleared")
	}
}
