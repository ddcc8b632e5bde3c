// Package sandbox declares the Sandbox capability sandbox_run nodes submit
// to: a pack-inputs, run, unpack-outputs contract against an external runner.
// Only the capability interface and a thin HTTP client ship here; the runner
// itself is an external collaborator.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/amonhq/amon/internal/amonerr"
)

// Request is one sandbox execution: a command plus a pack of input files
// keyed by relative path.
type Request struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	InputPack map[string]string `json:"input_pack,omitempty"`
}

// Result is the runner's reply, persisted verbatim as the run's
// sandbox/result.json.
type Result struct {
	ExitCode   int               `json:"exit_code"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	OutputPack map[string]string `json:"output_pack,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

// Runner is the capability interface the graph runtime consumes.
type Runner interface {
	Exec(ctx context.Context, req Request) (Result, error)
}

// HTTPRunner submits executions to a sandbox runner over HTTP, authenticated
// with SANDBOX_RUNNER_API_KEY-style bearer credentials.
type HTTPRunner struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPRunner builds an HTTP-backed Runner.
func NewHTTPRunner(baseURL, apiKey string) *HTTPRunner {
	return &HTTPRunner{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// Exec posts the request to the runner's /exec endpoint and decodes the
// result. Transport failures are IO_ERROR so the node's retry policy applies.
func (r *HTTPRunner) Exec(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, amonerr.Wrap(amonerr.ProtocolError, "", "sandbox marshal", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/exec", bytes.NewReader(body))
	if err != nil {
		return Result{}, amonerr.Wrap(amonerr.ProtocolError, "", "sandbox request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.APIKey)
	}
	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return Result{}, amonerr.Wrap(amonerr.IOError, "", "sandbox exec", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, amonerr.New(amonerr.IOError, "", fmt.Sprintf("sandbox runner status %d", resp.StatusCode))
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, amonerr.Wrap(amonerr.ProtocolError, "", "sandbox decode", err)
	}
	return result, nil
}

// Fake is a scripted Runner for tests.
type Fake struct {
	Result Result
	Err    error
	Calls  []Request
}

func (f *Fake) Exec(_ context.Context, req Request) (Result, error) {
	f.Calls = append(f.Calls, req)
	if f.Err != nil {
		return Result{}, f.Err
	}
	return f.Result, nil
}
