// Package metrics implements the process's in-memory counters and gauges,
// exposed as Prometheus text exposition format: maps guarded by a mutex for
// counters, atomic gauges for concurrency, sorted output for stable scrapes
// and tests.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// MediaToolLabel identifies a media-tool invocation by operation and
// outcome, e.g. {mux, ok} or {mux, timeout}.
type MediaToolLabel struct {
	Operation string
	Outcome   string
}

// Recorder aggregates counters and gauges for admin HTTP requests, session
// stage transitions, progress-reporter edits, download/upload byte transfer,
// media tool invocations, and feed publishes.
type Recorder struct {
	mu sync.RWMutex

	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration

	sessionStageEvents map[string]uint64
	activeSessions     atomic.Int64

	progressEditsIssued         uint64
	progressEditsRateLimited    uint64
	progressEditsDiffSuppressed uint64

	downloadBytes atomic.Int64
	uploadBytes   atomic.Int64

	mediaToolEvents map[MediaToolLabel]uint64
	muxWaitSeconds  float64
	muxWaitSamples  uint64

	feedPublishes map[string]uint64
	feedSkips     uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		sessionStageEvents: make(map[string]uint64),
		mediaToolEvents:    make(map[MediaToolLabel]uint64),
		feedPublishes:      make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by components that do not
// construct their own, e.g. tests exercising isolated Recorders instead.
func Default() *Recorder {
	return currentDefault()
}

// ObserveRequest records an admin-HTTP request's method, normalized path,
// status, and duration.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{method: strings.ToUpper(method), path: normalizePath(path), status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveSessionStage records a session entering the given stage.
func (r *Recorder) ObserveSessionStage(stage string) {
	normalized := normalizeName(stage)
	r.mu.Lock()
	r.sessionStageEvents[normalized]++
	r.mu.Unlock()
}

// SessionStarted increments the active-session gauge.
func (r *Recorder) SessionStarted() { r.activeSessions.Add(1) }

// SessionEnded decrements the active-session gauge, floored at zero.
func (r *Recorder) SessionEnded() {
	for {
		current := r.activeSessions.Load()
		if current <= 0 {
			return
		}
		if r.activeSessions.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ActiveSessions exposes the current active-session gauge.
func (r *Recorder) ActiveSessions() int64 { return r.activeSessions.Load() }

// ObserveProgressEdit records the outcome of a single Progress Reporter
// report call: "issued" when an edit was sent, "rate_limited" when the
// flood gate suppressed it, "diff_suppressed" when the rendered text was
// unchanged from the last issued edit.
func (r *Recorder) ObserveProgressEdit(outcome string) {
	r.mu.Lock()
	switch outcome {
	case "issued":
		r.progressEditsIssued++
	case "rate_limited":
		r.progressEditsRateLimited++
	case "diff_suppressed":
		r.progressEditsDiffSuppressed++
	}
	r.mu.Unlock()
}

// AddDownloadBytes accumulates bytes fetched by the download adapter.
func (r *Recorder) AddDownloadBytes(n int64) { r.downloadBytes.Add(n) }

// AddUploadBytes accumulates bytes sent to the durable storage channel.
func (r *Recorder) AddUploadBytes(n int64) { r.uploadBytes.Add(n) }

// ObserveMediaTool records a media-tool invocation outcome.
func (r *Recorder) ObserveMediaTool(operation, outcome string) {
	label := MediaToolLabel{Operation: normalizeName(operation), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.mediaToolEvents[label]++
	r.mu.Unlock()
}

// ObserveMuxWait records how long a mux invocation waited on the
// concurrency-limiting semaphore before it acquired a permit.
func (r *Recorder) ObserveMuxWait(d time.Duration) {
	r.mu.Lock()
	r.muxWaitSeconds += d.Seconds()
	r.muxWaitSamples++
	r.mu.Unlock()
}

// ObserveFeedPublish records a feed entry published to the given target
// channel.
func (r *Recorder) ObserveFeedPublish(channel string) {
	normalized := normalizeName(channel)
	r.mu.Lock()
	r.feedPublishes[normalized]++
	r.mu.Unlock()
}

// ObserveFeedSkip records a feed entry skipped because it was already
// present in the dedup store.
func (r *Recorder) ObserveFeedSkip() {
	r.mu.Lock()
	r.feedSkips++
	r.mu.Unlock()
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionStageEvents = make(map[string]uint64)
	r.mediaToolEvents = make(map[MediaToolLabel]uint64)
	r.feedPublishes = make(map[string]uint64)
	r.progressEditsIssued = 0
	r.progressEditsRateLimited = 0
	r.progressEditsDiffSuppressed = 0
	r.downloadBytes.Store(0)
	r.uploadBytes.Store(0)
	r.muxWaitSeconds = 0
	r.muxWaitSamples = 0
	r.feedSkips = 0
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler serving Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format with
// sorted label sets for stable scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP submerger_http_requests_total Total number of admin HTTP requests processed")
	fmt.Fprintln(w, "# TYPE submerger_http_requests_total counter")
	for _, label := range r.sortedRequestLabels() {
		fmt.Fprintf(w, "submerger_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP submerger_http_request_duration_seconds_sum Cumulative duration of admin HTTP requests")
	fmt.Fprintln(w, "# TYPE submerger_http_request_duration_seconds_sum counter")
	for _, label := range r.sortedRequestLabels() {
		fmt.Fprintf(w, "submerger_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP submerger_session_stage_total Sessions entering each pipeline stage")
	fmt.Fprintln(w, "# TYPE submerger_session_stage_total counter")
	for _, stage := range r.sortedSessionStages() {
		fmt.Fprintf(w, "submerger_session_stage_total{stage=\"%s\"} %d\n", stage, r.sessionStageEvents[stage])
	}

	fmt.Fprintln(w, "# HELP submerger_active_sessions Current number of in-flight sessions")
	fmt.Fprintln(w, "# TYPE submerger_active_sessions gauge")
	fmt.Fprintf(w, "submerger_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP submerger_progress_edits_total Progress reporter edit outcomes")
	fmt.Fprintln(w, "# TYPE submerger_progress_edits_total counter")
	fmt.Fprintf(w, "submerger_progress_edits_total{outcome=\"issued\"} %d\n", r.progressEditsIssued)
	fmt.Fprintf(w, "submerger_progress_edits_total{outcome=\"rate_limited\"} %d\n", r.progressEditsRateLimited)
	fmt.Fprintf(w, "submerger_progress_edits_total{outcome=\"diff_suppressed\"} %d\n", r.progressEditsDiffSuppressed)

	fmt.Fprintln(w, "# HELP submerger_transfer_bytes_total Bytes transferred by direction")
	fmt.Fprintln(w, "# TYPE submerger_transfer_bytes_total counter")
	fmt.Fprintf(w, "submerger_transfer_bytes_total{direction=\"download\"} %d\n", r.downloadBytes.Load())
	fmt.Fprintf(w, "submerger_transfer_bytes_total{direction=\"upload\"} %d\n", r.uploadBytes.Load())

	fmt.Fprintln(w, "# HELP submerger_media_tool_invocations_total Media tool invocations by operation and outcome")
	fmt.Fprintln(w, "# TYPE submerger_media_tool_invocations_total counter")
	for _, label := range r.sortedMediaToolLabels() {
		fmt.Fprintf(w, "submerger_media_tool_invocations_total{operation=\"%s\",outcome=\"%s\"} %d\n", label.Operation, label.Outcome, r.mediaToolEvents[label])
	}

	fmt.Fprintln(w, "# HELP submerger_mux_wait_seconds_sum Cumulative seconds spent waiting for the mux concurrency semaphore")
	fmt.Fprintln(w, "# TYPE submerger_mux_wait_seconds_sum counter")
	fmt.Fprintf(w, "submerger_mux_wait_seconds_sum %f\n", r.muxWaitSeconds)
	fmt.Fprintln(w, "# HELP submerger_mux_wait_seconds_count Number of mux semaphore wait observations")
	fmt.Fprintln(w, "# TYPE submerger_mux_wait_seconds_count counter")
	fmt.Fprintf(w, "submerger_mux_wait_seconds_count %d\n", r.muxWaitSamples)

	fmt.Fprintln(w, "# HELP submerger_feed_publishes_total Feed entries published by target channel")
	fmt.Fprintln(w, "# TYPE submerger_feed_publishes_total counter")
	for _, channel := range r.sortedFeedChannels() {
		fmt.Fprintf(w, "submerger_feed_publishes_total{channel=\"%s\"} %d\n", channel, r.feedPublishes[channel])
	}
	fmt.Fprintln(w, "# HELP submerger_feed_skips_total Feed entries skipped because already published")
	fmt.Fprintln(w, "# TYPE submerger_feed_skips_total counter")
	fmt.Fprintf(w, "submerger_feed_skips_total %d\n", r.feedSkips)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSessionStages() []string {
	stages := make([]string, 0, len(r.sessionStageEvents))
	for stage := range r.sessionStageEvents {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	return stages
}

func (r *Recorder) sortedMediaToolLabels() []MediaToolLabel {
	labels := make([]MediaToolLabel, 0, len(r.mediaToolEvents))
	for label := range r.mediaToolEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedFeedChannels() []string {
	channels := make([]string, 0, len(r.feedPublishes))
	for channel := range r.feedPublishes {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

func normalizeName(s string) string {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

var defaultMu sync.RWMutex

// SetDefault replaces the package-level default Recorder. Intended for tests
// that need to isolate the default from other cases running in the same
// binary.
func SetDefault(r *Recorder) {
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

func currentDefault() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// Registry holds a Recorder that has been installed as the package default;
// its HTTP exposition is Recorder.Handler.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry constructs a Registry around a fresh Recorder and installs it
// as the package default.
func NewRegistry() *Registry {
	recorder := New()
	SetDefault(recorder)
	return &Registry{Recorder: recorder}
}

// ObserveRequest records a request on the current default Recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	currentDefault().ObserveRequest(method, path, status, duration)
}

// ObserveSessionStage records a stage transition on the current default
// Recorder.
func ObserveSessionStage(stage string) {
	currentDefault().ObserveSessionStage(stage)
}
