// Package download implements the Download Adapter (spec §4.4): a thin
// JSON-RPC client over the external aria2 download daemon, polling for
// progress and resolving to a local file path on completion.
//
// Grounded on original_source/plugins/aria2_client.py and downloader.py for
// the method surface (addUri/tellStatus/remove); reimplemented as a
// net/http JSON-RPC client since no aria2p-equivalent library appears in
// the retrieval pack.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitriver-submerger/internal/observability/metrics"
)

// FailureKind categorizes an adapter failure per spec §4.4.
type FailureKind string

const (
	FailureNotFound     FailureKind = "not_found"
	FailureAccessDenied FailureKind = "access_denied"
	FailureNetwork      FailureKind = "network_failure"
	FailureUnknown      FailureKind = "unknown"
)

// Error wraps a categorized download failure.
type Error struct {
	Kind    FailureKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("download: %s: %s", e.Kind, e.Message) }

func classify(statusCode int, message string) *Error {
	switch {
	case statusCode == http.StatusNotFound || strings.Contains(message, "404"):
		return &Error{Kind: FailureNotFound, Message: message}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden ||
		strings.Contains(message, "401") || strings.Contains(message, "403"):
		return &Error{Kind: FailureAccessDenied, Message: message}
	case strings.Contains(strings.ToLower(message), "timeout"),
		strings.Contains(strings.ToLower(message), "reset"),
		strings.Contains(strings.ToLower(message), "connection refused"):
		return &Error{Kind: FailureNetwork, Message: message}
	default:
		return &Error{Kind: FailureUnknown, Message: message}
	}
}

// Progress is one sample emitted while a fetch is in flight.
type Progress struct {
	CompletedBytes int64
	TotalBytes     int64
	SpeedBytesSec  int64
}

// Config configures an Adapter.
type Config struct {
	// Host and Port address the aria2 JSON-RPC endpoint.
	Host string
	Port int
	// Secret is the optional aria2 RPC shared secret.
	Secret string
	// PollInterval governs how often tellStatus is polled. Defaults to 1s
	// per spec §4.4.
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Adapter wraps the external aria2 download daemon.
type Adapter struct {
	endpoint     string
	secret       string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

// New constructs an Adapter targeting the configured aria2 RPC endpoint.
func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6800
	}
	return &Adapter{
		endpoint:     fmt.Sprintf("http://%s:%d/jsonrpc", host, port),
		secret:       cfg.Secret,
		pollInterval: interval,
		httpClient:   httpClient,
		logger:       logger,
		metrics:      recorder,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) call(ctx context.Context, method string, params []any, out any) error {
	if a.secret != "" {
		params = append([]any{"token:" + a.secret}, params...)
	}
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "submerger", Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return classify(0, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(resp.StatusCode, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return classify(resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return classify(resp.StatusCode, "malformed rpc response: "+err.Error())
	}
	if rpcResp.Error != nil {
		return classify(0, rpcResp.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

// addURI submits addUri and returns the gid.
func (a *Adapter) addURI(ctx context.Context, url string) (string, error) {
	var gid string
	err := a.call(ctx, "aria2.addUri", []any{[]string{url}}, &gid)
	return gid, err
}

type statusFile struct {
	Path string `json:"path"`
}

type tellStatusResult struct {
	CompletedLength string       `json:"completedLength"`
	TotalLength     string       `json:"totalLength"`
	DownloadSpeed   string       `json:"downloadSpeed"`
	Status          string       `json:"status"`
	ErrorMessage    string       `json:"errorMessage"`
	Files           []statusFile `json:"files"`
}

func (a *Adapter) tellStatus(ctx context.Context, gid string) (tellStatusResult, error) {
	var result tellStatusResult
	err := a.call(ctx, "aria2.tellStatus", []any{gid}, &result)
	return result, err
}

// Remove cancels an in-flight download job, per spec's cancellation
// semantics: a cancelled download aborts its daemon job through this call.
func (a *Adapter) Remove(ctx context.Context, gid string) error {
	return a.call(ctx, "aria2.remove", []any{gid}, nil)
}

// Fetch enqueues url with the download daemon and polls it to completion,
// sending samples on the returned channel until the fetch finishes, fails,
// or ctx is cancelled. The channel is closed in every case. The caller owns
// draining the channel and feeding samples to the Progress Reporter.
func (a *Adapter) Fetch(ctx context.Context, url string) (<-chan Progress, <-chan Result) {
	samples := make(chan Progress, 1)
	done := make(chan Result, 1)

	go func() {
		defer close(samples)
		defer close(done)

		gid, err := a.addURI(ctx, url)
		if err != nil {
			done <- Result{Err: err}
			return
		}

		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()

		var reported int64

		for {
			select {
			case <-ctx.Done():
				_ = a.Remove(context.Background(), gid)
				done <- Result{Err: ctx.Err()}
				return
			case <-ticker.C:
				status, err := a.tellStatus(ctx, gid)
				if err != nil {
					done <- Result{Err: err}
					return
				}
				completed := parseInt(status.CompletedLength)
				total := parseInt(status.TotalLength)
				speed := parseInt(status.DownloadSpeed)
				if completed > reported {
					a.metrics.AddDownloadBytes(completed - reported)
					reported = completed
				}

				select {
				case samples <- Progress{CompletedBytes: completed, TotalBytes: total, SpeedBytesSec: speed}:
				default:
				}

				switch status.Status {
				case "complete":
					path := ""
					if len(status.Files) > 0 {
						path = status.Files[0].Path
					}
					done <- Result{Path: path}
					return
				case "error":
					done <- Result{Err: classify(0, status.ErrorMessage)}
					return
				case "removed":
					done <- Result{Err: classify(0, "download removed")}
					return
				}
			}
		}
	}()

	return samples, done
}

// Result is the terminal outcome of a Fetch call.
type Result struct {
	Path string
	Err  error
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
