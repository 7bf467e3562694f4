package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phishguard/phishguard/internal/resilience"
	"github.com/phishguard/phishguard/pkg/provider/analysis"
)

// systemPrompt frames the model as a security analyst and pins the JSON
// response shape the parser expects.
const systemPrompt = `You are a forensic phishing analyst. Respond with a single JSON object and nothing else, using exactly these fields:
{
  "isPhishing": boolean,
  "riskScore": integer from 0 to 100,
  "riskLevel": one of "SAFE", "LOW", "MEDIUM", "HIGH", "CRITICAL",
  "category": string, the phishing category (e.g. "Credential Harvesting", "Social Engineering"),
  "suspiciousElements": array of strings listing specific suspicious markers found in the content,
  "explanation": string, a detailed plain language explanation of the analysis,
  "technicalDetails": string, a deep dive into technical signals or obfuscation techniques detected,
  "safetyAdvice": string, actionable advice for the user to stay safe
}`

// Client is the narrow surface the analyzer needs from the model backend.
// *analysis.Client satisfies it.
type Client interface {
	Complete(ctx context.Context, req analysis.Request) (string, error)
}

// Analyzer submits artifacts for analysis and parses the verdicts.
type Analyzer struct {
	client Client
	log    *slog.Logger

	retries     int
	initial     time.Duration
	temperature float64
	maxTokens   int
	sleep       func(ctx context.Context, d time.Duration)
	onRetry     func(ctx context.Context)
	now         func() time.Time
	newID       func() string
}

// AnalyzerOption is a functional option for configuring an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithLogger sets the logger used for retry and recovery warnings.
func WithLogger(log *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.log = log }
}

// WithSleep overrides the backoff wait implementation. Used in tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) AnalyzerOption {
	return func(a *Analyzer) { a.sleep = sleep }
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

// WithRetryHook registers fn to be called once per overload retry, before the
// backoff wait. The server counts retries through it.
func WithRetryHook(fn func(ctx context.Context)) AnalyzerOption {
	return func(a *Analyzer) { a.onRetry = fn }
}

// WithSampling sets the temperature and token cap passed to the backend.
// Zero values leave the provider defaults in place.
func WithSampling(temperature float64, maxTokens int) AnalyzerOption {
	return func(a *Analyzer) {
		a.temperature = temperature
		a.maxTokens = maxTokens
	}
}

// WithIDGenerator overrides the report ID source. Used in tests.
func WithIDGenerator(newID func() string) AnalyzerOption {
	return func(a *Analyzer) { a.newID = newID }
}

// NewAnalyzer creates an Analyzer backed by the given model client.
func NewAnalyzer(client Client, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		client:  client,
		log:     slog.Default(),
		retries: 3,
		initial: time.Second,
		now:     time.Now,
		newID:   NewReportID,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze runs one analysis of content and returns the completed history
// entry. Backend overload is retried with doubling backoff before surfacing
// as an *OverloadError; all other backend errors propagate immediately.
func (a *Analyzer) Analyze(ctx context.Context, content string, typ ContentType) (*Entry, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("scan: content must not be empty")
	}

	req := analysis.Request{
		SystemPrompt: systemPrompt,
		Content: fmt.Sprintf(
			"Perform a forensic security analysis on this %s for phishing markers. Analyze linguistics, intent, and technical signals.\n\nCONTENT: %s",
			typ, content,
		),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}

	backoff := resilience.Backoff{
		Initial:   a.initial,
		Retries:   a.retries,
		Retryable: isOverload,
		Sleep:     a.sleep,
		Log:       a.log,
	}
	if a.onRetry != nil {
		backoff.OnRetry = func(error) { a.onRetry(ctx) }
	}

	var raw string
	err := backoff.Do(ctx, func() error {
		var callErr error
		raw, callErr = a.client.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		if isOverload(err) {
			return nil, &OverloadError{Err: err}
		}
		return nil, fmt.Errorf("scan: analyze: %w", err)
	}

	report, err := a.parseReport(raw)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Report:    *report,
		ID:        a.newID(),
		Timestamp: a.now(),
		Content:   content,
		Type:      typ,
	}, nil
}

// parseReport decodes the model's JSON verdict. Markdown code fences around
// the payload are tolerated. An unrecognized risk level is replaced with
// MEDIUM rather than failing the report.
func (a *Analyzer) parseReport(raw string) (*Report, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("scan: empty response from model")
	}

	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var report Report
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		return nil, fmt.Errorf("scan: parse report: %w", err)
	}

	if !report.RiskLevel.Valid() {
		a.log.Warn("recovering report with default severity",
			"error", &ValidationError{Level: string(report.RiskLevel)})
		report.RiskLevel = RiskMedium
	}

	return &report, nil
}
