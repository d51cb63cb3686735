package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root used when NATSSink has no prefix.
const DefaultSubjectPrefix = "agentpipe"

// Envelope is the wire form of an event published over NATS.
type Envelope struct {
	Type       string          `json:"type"`
	PipelineID string          `json:"pipelineId"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// NATSSink forwards events to a NATS connection as JSON envelopes on
// <prefix>.<pipelineId>.<type>. Publish errors are logged, never returned.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewNATSSink connects to url and returns a sink publishing under prefix.
func NewNATSSink(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("agentpipe-events"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSSinkFromConn(conn, prefix, logger), nil
}

// NewNATSSinkFromConn wraps an existing connection. The sink takes ownership.
func NewNATSSinkFromConn(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger, now: time.Now}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e Event) string {
	return SubjectFor(s.prefix, e.PipelineID(), e.EventType())
}

// Emit publishes e. It never blocks on the network beyond the client's
// outbound buffer.
func (s *NATSSink) Emit(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("marshal event", "event", e.EventType(), "error", err)
		return
	}
	env := Envelope{
		Type:       e.EventType(),
		PipelineID: e.PipelineID(),
		Timestamp:  s.now(),
		Payload:    payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("marshal envelope", "event", e.EventType(), "error", err)
		return
	}
	if err := s.conn.Publish(s.Subject(e), data); err != nil {
		s.logger.Warn("publish event", "event", e.EventType(), "pipeline_id", e.PipelineID(), "error", err)
	}
}

// Flush waits for the server to acknowledge everything published so far.
func (s *NATSSink) Flush() error {
	return s.conn.Flush()
}

// Close drains and closes the connection.
func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}

// SubjectFor builds <prefix>.<pipelineId>.<type>. Dots and wildcards in the
// pipeline ID are replaced so the ID stays a single token.
func SubjectFor(prefix, pipelineID, eventType string) string {
	id := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(pipelineID)
	if id == "" {
		id = "_"
	}
	return prefix + "." + id + "." + eventType
}

// EmbeddedNATS is an in-process NATS server for local runs and tests.
type EmbeddedNATS struct {
	server *natsserver.Server
}

// StartEmbeddedNATS starts a server on port. Use natsserver.RANDOM_PORT (-1)
// to let the OS choose.
func StartEmbeddedNATS(port int) (*EmbeddedNATS, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return &EmbeddedNATS{server: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (n *EmbeddedNATS) ClientURL() string {
	return n.server.ClientURL()
}

// Close shuts the server down and waits for it to exit.
func (n *EmbeddedNATS) Close() {
	n.server.Shutdown()
	n.server.WaitForShutdown()
}
