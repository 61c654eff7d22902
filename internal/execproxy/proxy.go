// Package execproxy forwards run requests to a Piston-compatible execution
// backend. It validates the language, bounds the call with a timeout and
// normalizes the response. Sandboxing is entirely the backend's concern.
package execproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"codecollab/api/internal/logx"

	"pkt.systems/pslog"
)

const (
	DefaultBaseURL        = "https://emkc.org/api/v2/piston"
	DefaultTimeout        = 15 * time.Second
	DefaultMaxSourceBytes = 64 * 1024

	maxResponseBytes = 4 << 20
)

// Runtime is the backend's name and version for a language.
type Runtime struct {
	Language string
	Version  string
}

// DefaultRuntimes maps the editor's language tags onto backend runtimes.
var DefaultRuntimes = map[string]Runtime{
	"javascript": {Language: "javascript", Version: "18.15.0"},
	"python":     {Language: "python", Version: "3.10.0"},
	"java":       {Language: "java", Version: "15.0.2"},
	"cpp":        {Language: "cpp", Version: "10.2.0"},
}

type Request struct {
	ProjectID string
	Language  string
	Source    string
}

type Result struct {
	Output string `json:"output"`
	// ExecutionTime is in milliseconds.
	ExecutionTime float64 `json:"executionTime"`
	// Memory is in bytes.
	Memory   int64  `json:"memory"`
	Language string `json:"language"`
}

type Options struct {
	BaseURL        string
	Timeout        time.Duration
	MaxSourceBytes int
	Runtimes       map[string]Runtime
	HTTPClient     *http.Client
	Logger         pslog.Logger
}

type Proxy struct {
	baseURL        string
	timeout        time.Duration
	maxSourceBytes int
	runtimes       map[string]Runtime
	client         *http.Client
	logger         pslog.Logger
}

func New(opts Options) *Proxy {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSourceBytes <= 0 {
		opts.MaxSourceBytes = DefaultMaxSourceBytes
	}
	if opts.Runtimes == nil {
		opts.Runtimes = DefaultRuntimes
	}
	if opts.HTTPClient == nil {
		// The per-call context carries the deadline.
		opts.HTTPClient = &http.Client{}
	}
	return &Proxy{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		timeout:        opts.Timeout,
		maxSourceBytes: opts.MaxSourceBytes,
		runtimes:       opts.Runtimes,
		client:         opts.HTTPClient,
		logger:         logx.Component(opts.Logger, "execproxy"),
	}
}

// Runtime resolves a language tag. Tags are case-insensitive.
func (p *Proxy) Runtime(language string) (Runtime, bool) {
	rt, ok := p.runtimes[strings.ToLower(strings.TrimSpace(language))]
	return rt, ok
}

// Languages lists the supported language tags in sorted order.
func (p *Proxy) Languages() []string {
	out := make([]string, 0, len(p.runtimes))
	for tag := range p.runtimes {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

type executeFile struct {
	Content string `json:"content"`
}

type executeBody struct {
	Language string        `json:"language"`
	Version  string        `json:"version"`
	Files    []executeFile `json:"files"`
}

type stage struct {
	Output   *string         `json:"output"`
	Stdout   string          `json:"stdout"`
	Stderr   string          `json:"stderr"`
	Code     *int            `json:"code"`
	Time     json.RawMessage `json:"time"`
	WallTime json.RawMessage `json:"wall_time"`
	CPUTime  json.RawMessage `json:"cpu_time"`
	Memory   json.RawMessage `json:"memory"`
}

type executeResponse struct {
	Language string          `json:"language"`
	Version  string          `json:"version"`
	Run      json.RawMessage `json:"run"`
	Compile  json.RawMessage `json:"compile"`
}

// Execute runs req.Source on the backend. Failures are *Error values of one
// of the kinds declared in this package.
func (p *Proxy) Execute(ctx context.Context, req Request) (Result, error) {
	rt, ok := p.Runtime(req.Language)
	if !ok {
		return Result{}, &Error{Kind: KindUnsupportedLanguage, Message: fmt.Sprintf("unsupported language %q", req.Language)}
	}
	if len(req.Source) > p.maxSourceBytes {
		return Result{}, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("source exceeds %d bytes", p.maxSourceBytes)}
	}

	log := logx.WithProject(p.logger, req.ProjectID).With("language", rt.Language)
	payload, err := json.Marshal(executeBody{
		Language: rt.Language,
		Version:  rt.Version,
		Files:    []executeFile{{Content: req.Source}},
	})
	if err != nil {
		return Result{}, newError(KindInternal, "encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return Result{}, newError(KindInternal, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, p.transportError(ctx, log, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, p.transportError(ctx, log, err)
	}
	log.Debug("execution backend replied", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= http.StatusBadRequest {
		if json.Valid(body) {
			log.Info("execution backend rejected run", "status", resp.StatusCode)
			return Result{}, &Error{Kind: KindBackend, Message: "execution failed", Payload: json.RawMessage(body)}
		}
		return Result{}, newError(KindInternal, "backend error", fmt.Errorf("status %d", resp.StatusCode))
	}

	var decoded executeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, newError(KindInternal, "decode response", err)
	}
	if failed, ok := failedCompile(decoded.Compile); ok {
		return Result{}, &Error{Kind: KindBackend, Message: "compilation failed", Payload: failed}
	}
	if len(decoded.Run) == 0 || string(decoded.Run) == "null" {
		return Result{}, newError(KindInternal, "decode response", errors.New("missing run stage"))
	}
	var run stage
	if err := json.Unmarshal(decoded.Run, &run); err != nil {
		return Result{}, newError(KindInternal, "decode run stage", err)
	}

	language := decoded.Language
	if language == "" {
		language = rt.Language
	}
	return Result{
		Output:        run.output(),
		ExecutionTime: firstNumber(run.Time, run.WallTime, run.CPUTime),
		Memory:        int64(firstNumber(run.Memory)),
		Language:      language,
	}, nil
}

func (p *Proxy) transportError(ctx context.Context, log pslog.Logger, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		log.Warn("execution timed out", "timeout", p.timeout.String())
		return newError(KindTimeout, "execution timed out", err)
	}
	log.Warn("execution backend unreachable", "err", err)
	return newError(KindInternal, "backend unreachable", err)
}

func (s stage) output() string {
	if s.Output != nil {
		return *s.Output
	}
	return s.Stdout + s.Stderr
}

// failedCompile returns the compile stage verbatim when it exited non-zero.
func failedCompile(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	var compile stage
	if err := json.Unmarshal(raw, &compile); err != nil {
		return nil, false
	}
	if compile.Code == nil || *compile.Code == 0 {
		return nil, false
	}
	return raw, true
}

// firstNumber returns the first value that decodes as a number, accepting
// both JSON numbers and numeric strings.
func firstNumber(values ...json.RawMessage) float64 {
	for _, raw := range values {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}
