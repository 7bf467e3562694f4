package scan_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/scan"
	"github.com/phishguard/phishguard/pkg/provider/analysis"
)

const validReport = `{
	"isPhishing": true,
	"riskScore": 92,
	"riskLevel": "CRITICAL",
	"category": "Credential Harvesting",
	"suspiciousElements": ["urgency language", "lookalike domain"],
	"explanation": "The message impersonates a bank and pressures the reader to act.",
	"technicalDetails": "Homoglyph domain with punycode encoding.",
	"safetyAdvice": "Do not click the link. Contact your bank directly."
}`

// fakeClient replays a scripted sequence of responses.
type fakeClient struct {
	responses []response
	calls     int
	requests  []analysis.Request
}

type response struct {
	text string
	err  error
}

func (f *fakeClient) Complete(_ context.Context, req analysis.Request) (string, error) {
	f.requests = append(f.requests, req)
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		return "", errors.New("no scripted response")
	}
	return f.responses[i].text, f.responses[i].err
}

// newAnalyzer builds an Analyzer with deterministic clock, ID, and recorded
// sleeps.
func newAnalyzer(client scan.Client, waits *[]time.Duration) *scan.Analyzer {
	return scan.NewAnalyzer(client,
		scan.WithSleep(func(_ context.Context, d time.Duration) {
			*waits = append(*waits, d)
		}),
		scan.WithClock(func() time.Time {
			return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		}),
		scan.WithIDGenerator(func() string { return "PG-TEST01" }),
	)
}

func TestAnalyze_Success(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{{text: validReport}}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	entry, err := a.Analyze(context.Background(), "http://bank-secure-login.example", scan.TypeURL)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if !entry.IsPhishing {
		t.Error("IsPhishing = false; want true")
	}
	if entry.RiskLevel != scan.RiskCritical {
		t.Errorf("RiskLevel = %q; want CRITICAL", entry.RiskLevel)
	}
	if entry.RiskScore != 92 {
		t.Errorf("RiskScore = %d; want 92", entry.RiskScore)
	}
	if len(entry.SuspiciousElements) != 2 {
		t.Errorf("SuspiciousElements = %v; want 2 entries", entry.SuspiciousElements)
	}
	if entry.ID != "PG-TEST01" {
		t.Errorf("ID = %q; want PG-TEST01", entry.ID)
	}
	if entry.Content != "http://bank-secure-login.example" {
		t.Errorf("Content = %q", entry.Content)
	}
	if entry.Type != scan.TypeURL {
		t.Errorf("Type = %q; want URL", entry.Type)
	}
	if entry.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if len(waits) != 0 {
		t.Errorf("waits = %v; want none", waits)
	}
}

func TestAnalyze_PromptMentionsContentType(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{{text: validReport}}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	if _, err := a.Analyze(context.Background(), "win a prize, reply now", scan.TypeSMS); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(client.requests) != 1 {
		t.Fatalf("expected 1 request; got %d", len(client.requests))
	}
	req := client.requests[0]
	if req.SystemPrompt == "" {
		t.Error("system prompt should be set")
	}
	if !regexp.MustCompile(`\bSMS\b`).MatchString(req.Content) {
		t.Errorf("request content should name the SMS type: %q", req.Content)
	}
}

func TestAnalyze_RetriesOverloadThenSucceeds(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{
		{err: errors.New("model responded with status 503")},
		{err: errors.New("model responded with status 503")},
		{text: validReport},
	}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	entry, err := a.Analyze(context.Background(), "suspicious text", scan.TypeEmail)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if entry == nil || !entry.IsPhishing {
		t.Fatal("expected successful report after retries")
	}
	if client.calls != 3 {
		t.Errorf("calls = %d; want 3", client.calls)
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(waits) != fmt.Sprint(want) {
		t.Errorf("waits = %v; want %v", waits, want)
	}
}

func TestAnalyze_OverloadExhaustsRetries(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{
		{err: errors.New("429 too many requests")},
		{err: errors.New("429 too many requests")},
		{err: errors.New("429 too many requests")},
		{err: errors.New("429 too many requests")},
	}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	_, err := a.Analyze(context.Background(), "suspicious text", scan.TypeURL)
	var oe *scan.OverloadError
	if !errors.As(err, &oe) {
		t.Fatalf("error = %v; want *scan.OverloadError", err)
	}
	if client.calls != 4 {
		t.Errorf("calls = %d; want 4 (initial + 3 retries)", client.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if fmt.Sprint(waits) != fmt.Sprint(want) {
		t.Errorf("waits = %v; want %v", waits, want)
	}
}

func TestAnalyze_QuotaLimitMarkerIsRetried(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{
		{err: errors.New("quota limit reached for project")},
		{text: validReport},
	}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	if _, err := a.Analyze(context.Background(), "text", scan.TypeSMS); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d; want 2", client.calls)
	}
}

func TestAnalyze_RetryHookCountsOverloadRetries(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{
		{err: errors.New("model responded with status 503")},
		{err: errors.New("model responded with status 503")},
		{text: validReport},
	}}
	retries := 0
	a := scan.NewAnalyzer(client,
		scan.WithSleep(func(context.Context, time.Duration) {}),
		scan.WithRetryHook(func(context.Context) { retries++ }),
	)

	if _, err := a.Analyze(context.Background(), "suspicious text", scan.TypeEmail); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if retries != 2 {
		t.Errorf("retry hook calls = %d; want 2", retries)
	}
}

func TestAnalyze_NonRetryableErrorPropagates(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{
		{err: errors.New("invalid API key")},
	}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	_, err := a.Analyze(context.Background(), "text", scan.TypeURL)
	if err == nil {
		t.Fatal("expected error")
	}
	var oe *scan.OverloadError
	if errors.As(err, &oe) {
		t.Error("non-overload error should not be classified as OverloadError")
	}
	if client.calls != 1 {
		t.Errorf("calls = %d; want 1 (no retries)", client.calls)
	}
	if len(waits) != 0 {
		t.Errorf("waits = %v; want none", waits)
	}
}

func TestAnalyze_UnknownRiskLevelFallsBackToMedium(t *testing.T) {
	t.Parallel()

	report := `{"isPhishing": true, "riskScore": 55, "riskLevel": "EXTREME",
		"category": "Other", "suspiciousElements": [], "explanation": "x",
		"technicalDetails": "y", "safetyAdvice": "z"}`
	client := &fakeClient{responses: []response{{text: report}}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	entry, err := a.Analyze(context.Background(), "text", scan.TypeEmail)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if entry.RiskLevel != scan.RiskMedium {
		t.Errorf("RiskLevel = %q; want MEDIUM fallback", entry.RiskLevel)
	}
}

func TestAnalyze_CodeFencedResponse(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{{text: "```json\n" + validReport + "\n```"}}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	entry, err := a.Analyze(context.Background(), "text", scan.TypeURL)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if entry.RiskLevel != scan.RiskCritical {
		t.Errorf("RiskLevel = %q; want CRITICAL", entry.RiskLevel)
	}
}

func TestAnalyze_EmptyContent(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	if _, err := a.Analyze(context.Background(), "   ", scan.TypeURL); err == nil {
		t.Fatal("expected error for empty content")
	}
	if client.calls != 0 {
		t.Errorf("calls = %d; want 0", client.calls)
	}
}

func TestAnalyze_EmptyModelResponse(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{{text: "  "}}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	if _, err := a.Analyze(context.Background(), "text", scan.TypeURL); err == nil {
		t.Fatal("expected error for empty model response")
	}
}

func TestAnalyze_MalformedJSON(t *testing.T) {
	t.Parallel()

	client := &fakeClient{responses: []response{{text: "not json at all"}}}
	var waits []time.Duration
	a := newAnalyzer(client, &waits)

	if _, err := a.Analyze(context.Background(), "text", scan.TypeURL); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestNewReportID_Format(t *testing.T) {
	t.Parallel()

	pattern := regexp.MustCompile(`^PG-[0-9A-Z]{6}$`)
	seen := map[string]bool{}
	for range 100 {
		id := scan.NewReportID()
		if !pattern.MatchString(id) {
			t.Fatalf("ID %q does not match PG-XXXXXX", id)
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		t.Error("IDs should not all collide")
	}
}

func TestParseContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    scan.ContentType
		wantErr bool
	}{
		{"URL", scan.TypeURL, false},
		{"EMAIL", scan.TypeEmail, false},
		{"SMS", scan.TypeSMS, false},
		{"sms", scan.TypeSMS, false},
		{"CALL", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := scan.ParseContentType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseContentType(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseContentType(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseContentType(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
