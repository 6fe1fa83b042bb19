// Package pulse forwards control-plane events to Redis streams through
// goa.design/pulse. The forwarder registers on the in-process bus and mirrors
// every event to an external channel: agent lifecycle, token usage and budget
// threshold events go to the per-agent stream "agent/<agentId>", scheduling
// events go to the shared "scheduling" stream. External collaborators (session
// processes, dashboards) tail these streams without linking the control plane.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientspulse "goa.design/fleet/features/stream/pulse/clients/pulse"
	"goa.design/fleet/hooks"
	"goa.design/fleet/telemetry"
)

type (
	// Forwarder publishes bus events to Pulse streams. It implements
	// hooks.Subscriber; delivery failures are logged and swallowed so a Redis
	// outage never starves the in-process subscribers behind it.
	Forwarder struct {
		client      clientspulse.Client
		agentPrefix string
		scheduling  string
		log         telemetry.Logger
		metrics     telemetry.Metrics

		mu      sync.Mutex
		streams map[string]clientspulse.Stream
	}

	// ForwarderOptions configures a Forwarder. Client is required.
	ForwarderOptions struct {
		// Client is the Pulse stream client.
		Client clientspulse.Client
		// AgentStreamPrefix is the prefix of per-agent streams. Defaults to
		// "agent"; the full stream name is "<prefix>/<agentId>".
		AgentStreamPrefix string
		// SchedulingStream is the shared stream for scheduling events.
		// Defaults to "scheduling".
		SchedulingStream string
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// envelope is the wire shape of one forwarded event.
	envelope struct {
		EventType string      `json:"eventType"`
		Source    eventSource `json:"source"`
		Payload   hooks.Event `json:"payload,omitempty"`
		Timestamp time.Time   `json:"timestamp"`
	}

	eventSource struct {
		AgentID   string `json:"agentId,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
	}
)

// Default stream names.
const (
	DefaultAgentStreamPrefix = "agent"
	DefaultSchedulingStream  = "scheduling"
)

// NewForwarder validates the options and constructs a Forwarder. Register the
// result on the bus to start mirroring:
//
//	fwd, _ := pulse.NewForwarder(pulse.ForwarderOptions{Client: client})
//	sub, _ := bus.Register(fwd)
//	defer sub.Close()
func NewForwarder(opts ForwarderOptions) (*Forwarder, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: option Client is required")
	}
	f := &Forwarder{
		client:      opts.Client,
		agentPrefix: opts.AgentStreamPrefix,
		scheduling:  opts.SchedulingStream,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		streams:     make(map[string]clientspulse.Stream),
	}
	if f.agentPrefix == "" {
		f.agentPrefix = DefaultAgentStreamPrefix
	}
	if f.scheduling == "" {
		f.scheduling = DefaultSchedulingStream
	}
	if f.log == nil {
		f.log = telemetry.NewNoopLogger()
	}
	if f.metrics == nil {
		f.metrics = telemetry.NewNoopMetrics()
	}
	return f, nil
}

// HandleEvent forwards one bus event to its stream. Errors are logged, counted
// and swallowed: the in-process consumers remain authoritative and the bus
// contract stops fan-out at the first subscriber error.
func (f *Forwarder) HandleEvent(ctx context.Context, evt hooks.Event) error {
	name := f.streamFor(evt)
	if name == "" {
		// Cluster-level event with no subject agent; nothing to mirror.
		return nil
	}
	payload, err := json.Marshal(envelope{
		EventType: string(evt.Type()),
		Source:    eventSource{AgentID: evt.AgentID(), SessionID: evt.SessionID()},
		Payload:   evt,
		Timestamp: evt.Timestamp(),
	})
	if err != nil {
		f.log.Error(ctx, "encoding stream event failed", "event", string(evt.Type()), "err", err.Error())
		return nil
	}
	stream, err := f.stream(name)
	if err != nil {
		f.drop(ctx, evt, err)
		return nil
	}
	if _, err := stream.Add(ctx, string(evt.Type()), payload); err != nil {
		f.drop(ctx, evt, err)
		return nil
	}
	f.metrics.IncCounter("stream_events_forwarded", 1, "stream", name)
	return nil
}

// streamFor routes the event to its stream name. Scheduling events share one
// stream; everything else goes to the subject agent's stream.
func (f *Forwarder) streamFor(evt hooks.Event) string {
	if strings.HasPrefix(string(evt.Type()), "scheduling.") {
		return f.scheduling
	}
	if evt.AgentID() == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", f.agentPrefix, evt.AgentID())
}

// stream returns the cached handle for the named stream, opening it once.
func (f *Forwarder) stream(name string) (clientspulse.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.streams[name]; ok {
		return s, nil
	}
	s, err := f.client.Stream(name)
	if err != nil {
		return nil, err
	}
	f.streams[name] = s
	return s, nil
}

func (f *Forwarder) drop(ctx context.Context, evt hooks.Event, err error) {
	f.metrics.IncCounter("stream_events_dropped", 1)
	f.log.Error(ctx, "forwarding event to stream failed",
		"event", string(evt.Type()), "agent_id", evt.AgentID(), "err", err.Error())
}
