// Package lab runs the live vishing monitoring session.
//
// A Controller owns the lifecycle of one streaming session: it opens the
// microphone and the live transport, wires the capture pipeline into the
// outbound send path, and dispatches the inbound event stream from a single
// goroutine so handlers never run concurrently. A blockCall tool invocation
// from the model terminates the session and records the interception in the
// analysis history.
package lab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/capture"
	"github.com/phishguard/phishguard/internal/history"
	"github.com/phishguard/phishguard/internal/observe"
	"github.com/phishguard/phishguard/internal/playback"
	"github.com/phishguard/phishguard/internal/scan"
	"github.com/phishguard/phishguard/pkg/pcm"
	"github.com/phishguard/phishguard/pkg/provider/live"
)

// State is the lifecycle phase of the controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateTerminating
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Status lines shown to the user.
const (
	StatusStandby     = "Standby"
	StatusActive      = "Real-time Monitoring Active"
	StatusNeutralized = "THREAT NEUTRALIZED: Call Intercepted and Terminated."
)

// TransportError indicates the live connection failed or dropped. It
// terminates the active session; there is no automatic reconnection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lab: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// blockCallTool is the single action offered to the model.
const blockCallName = "blockCall"

// monitorInstructions is the system directive framing the model as a vishing
// detector.
const monitorInstructions = `You are a Vishing (Voice Phishing) Detection System.
Your job is to listen to the caller and identify if it is a scam.
Signs of scam:
1. Asking for OTP/Password.
2. Impersonating Government (IRS, Police) or Bank.
3. Creating artificial urgency (account will be blocked in 5 mins).
4. Asking for payment via Gift Cards.
5. Robotic or suspicious tone.

If you are 90% sure it's a scam, trigger the 'blockCall' function immediately.
Don't wait for a turn complete if you hear a clear red flag.`

func sessionConfig(voice string) live.SessionConfig {
	return live.SessionConfig{
		Instructions: monitorInstructions,
		Voice:        voice,
		Tools: []live.ToolDefinition{{
			Name:        blockCallName,
			Description: "Immediately terminates the call if a scam is detected.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "The specific reason why the call is being blocked.",
					},
				},
				"required": []string{"reason"},
			},
		}},
		InputTranscription: true,
	}
}

// Controller drives one monitoring session at a time. Safe for concurrent use.
type Controller struct {
	provider live.Provider
	source   capture.Source
	sink     playback.Sink
	history  *history.Log
	metrics  *observe.Metrics
	log      *slog.Logger
	voice    string
	now      func() time.Time

	mu           sync.Mutex
	state        State
	status       string
	scamDetected bool
	incomingCall bool
	startedAt    time.Time
	transcript   *TranscriptLog
	session      live.Session
	pipeline     *capture.Pipeline
	scheduler    *playback.Scheduler
}

// ControllerOption is a functional option for configuring a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// WithHistory wires the analysis history; blocked calls are recorded there.
func WithHistory(h *history.Log) ControllerOption {
	return func(c *Controller) { c.history = h }
}

// WithMetrics wires session metrics: the active-session gauge, session
// duration, blocked calls, audio frame counts, and pending playback.
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithVoice selects the model's output voice.
func WithVoice(voice string) ControllerOption {
	return func(c *Controller) { c.voice = voice }
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates an idle Controller.
func NewController(provider live.Provider, source capture.Source, sink playback.Sink, opts ...ControllerOption) *Controller {
	c := &Controller{
		provider:   provider,
		source:     source,
		sink:       sink,
		log:        slog.Default(),
		now:        time.Now,
		status:     StatusStandby,
		transcript: NewTranscriptLog(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Activate opens the transport and the microphone and starts monitoring.
// A microphone failure surfaces as a *capture.PermissionError; a connection
// failure as a *TransportError. Both leave the controller idle.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("lab: session already %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	session, err := c.provider.Connect(ctx, sessionConfig(c.voice))
	if err != nil {
		c.reset()
		return &TransportError{Err: err}
	}

	var schedOpts []playback.SchedulerOption
	send := session.SendAudio
	if c.metrics != nil {
		schedOpts = append(schedOpts, playback.WithPendingHook(func(delta int) {
			c.metrics.PendingPlayback.Add(context.Background(), int64(delta))
		}))
		send = func(chunk pcm.EncodedChunk) error {
			c.metrics.RecordAudioFrame(context.Background(), "out")
			return session.SendAudio(chunk)
		}
	}
	scheduler := playback.NewScheduler(c.sink, schedOpts...)
	pipeline := capture.NewPipeline(c.source, send, capture.WithLogger(c.log))

	if err := pipeline.Start(ctx); err != nil {
		if cerr := session.Close(); cerr != nil {
			c.log.Warn("closing session after capture failure", "error", cerr)
		}
		c.reset()
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// A Stop raced the connect. Release what was just opened and stay
		// down instead of resurrecting a session the caller asked to end.
		c.mu.Unlock()
		if err := pipeline.Stop(); err != nil {
			c.log.Warn("capture release failed", "error", err)
		}
		if err := session.Close(); err != nil {
			c.log.Warn("transport release failed", "error", err)
		}
		return fmt.Errorf("lab: session stopped during connect")
	}
	c.state = StateActive
	c.status = StatusActive
	c.scamDetected = false
	c.session = session
	c.pipeline = pipeline
	c.scheduler = scheduler
	c.startedAt = c.now()
	c.transcript.Clear()
	if c.metrics != nil {
		c.metrics.ActiveLabSessions.Add(ctx, 1)
	}
	c.mu.Unlock()

	c.log.Info("monitoring session active")
	go c.dispatch(session, scheduler)
	return nil
}

// dispatch consumes the inbound event stream in arrival order. It is the only
// goroutine that touches the scheduler during a session.
func (c *Controller) dispatch(session live.Session, scheduler *playback.Scheduler) {
	for ev := range session.Events() {
		if !c.active() {
			// Events arriving after stop are discarded silently.
			continue
		}

		switch ev := ev.(type) {
		case live.TranscriptEvent:
			c.transcript.Append(ev.Text)

		case live.AudioEvent:
			if c.metrics != nil {
				c.metrics.RecordAudioFrame(context.Background(), "in")
			}
			buf, err := pcm.DecodeChunk(ev.Data, pcm.OutputSampleRate, 1)
			if err != nil {
				c.log.Warn("dropping malformed audio fragment", "error", err)
				continue
			}
			if err := scheduler.Enqueue(buf); err != nil {
				c.log.Warn("enqueue failed", "error", err)
			}

		case live.InterruptedEvent:
			scheduler.Interrupt()

		case live.ToolCallEvent:
			c.handleToolCall(session, ev)
		}
	}

	if err := session.Err(); err != nil && c.active() {
		c.log.Error("session terminated", "error", &TransportError{Err: err})
		c.Stop()
	}
}

func (c *Controller) handleToolCall(session live.Session, ev live.ToolCallEvent) {
	if ev.Name != blockCallName {
		return
	}

	// Acknowledge before teardown so the transport sees the result while the
	// connection is still open.
	result := map[string]any{"result": "Call blocked successfully"}
	if err := session.SendToolResult(ev.ID, ev.Name, result); err != nil {
		c.log.Warn("tool result not delivered", "error", err)
	}

	reason, _ := ev.Args["reason"].(string)
	c.BlockCall(reason)
}

// BlockCall marks the session as having detected a scam, records the
// interception in history, and tears the session down. Idempotent; a no-op
// unless the session is active.
func (c *Controller) BlockCall(reason string) {
	c.mu.Lock()
	if c.state != StateActive || c.scamDetected {
		c.mu.Unlock()
		return
	}
	c.scamDetected = true
	c.incomingCall = false
	c.status = StatusNeutralized
	c.mu.Unlock()

	c.log.Info("call blocked", "reason", reason)
	if c.metrics != nil {
		c.metrics.RecordBlockedCall(context.Background())
	}
	c.recordInterception(reason)
	c.Stop()
}

func (c *Controller) recordInterception(reason string) {
	if c.history == nil {
		return
	}

	if reason == "" {
		reason = "Live call intercepted by vishing monitor"
	}
	entry := scan.Entry{
		Report: scan.Report{
			IsPhishing:  true,
			RiskScore:   100,
			RiskLevel:   scan.RiskCritical,
			Category:    "Vishing",
			Explanation: reason,
			SafetyAdvice: "The call was terminated automatically. Do not call the number back; " +
				"report it to your carrier.",
		},
		ID:        scan.NewReportID(),
		Timestamp: c.now(),
		Content:   reason,
		Type:      scan.TypeVoice,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.Add(ctx, entry); err != nil {
		c.log.Warn("interception not recorded", "error", err)
	}
}

// Stop tears down the session: closes the transport, stops the microphone,
// empties pending playback, and returns the controller to Idle. Each release
// is best-effort; failures are logged and the remaining releases still run.
// Safe to call multiple times and from any state.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminating
	session := c.session
	pipeline := c.pipeline
	scheduler := c.scheduler
	c.session = nil
	c.pipeline = nil
	c.scheduler = nil
	c.mu.Unlock()

	if pipeline != nil {
		if err := pipeline.Stop(); err != nil {
			c.log.Warn("capture release failed", "error", err)
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			c.log.Warn("transport release failed", "error", err)
		}
	}
	if scheduler != nil {
		scheduler.Interrupt()
	}

	c.mu.Lock()
	c.state = StateIdle
	c.incomingCall = false
	if !c.scamDetected {
		c.status = StatusStandby
	}
	started := c.startedAt
	c.startedAt = time.Time{}
	if c.metrics != nil && !started.IsZero() {
		ctx := context.Background()
		c.metrics.ActiveLabSessions.Add(ctx, -1)
		c.metrics.LabSessionDuration.Record(ctx, c.now().Sub(started).Seconds())
	}
	c.mu.Unlock()

	c.log.Info("monitoring session stopped")
}

func (c *Controller) reset() {
	c.mu.Lock()
	c.state = StateIdle
	c.status = StatusStandby
	c.mu.Unlock()
}

func (c *Controller) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current human-readable status line.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ScamDetected reports whether the current or most recent session blocked a
// call.
func (c *Controller) ScamDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scamDetected
}

// Transcript returns the retained transcript fragments, oldest first.
func (c *Controller) Transcript() []string {
	return c.transcript.Lines()
}

// SimulateIncomingCall flags the simulated-call state used to exercise the
// monitor. A no-op unless the session is active and no scam was detected.
func (c *Controller) SimulateIncomingCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive && !c.scamDetected {
		c.incomingCall = true
	}
}

// EndSimulation clears the simulated-call state.
func (c *Controller) EndSimulation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incomingCall = false
}

// IncomingCall reports whether a simulated call is in progress.
func (c *Controller) IncomingCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incomingCall
}
