package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DefaultNATSSubjectPrefix is where notices are published, suffixed with the status
const DefaultNATSSubjectPrefix = "argus.case.execution"

// NATSConfig configures the NATS sink
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Token         string `mapstructure:"token"`
}

type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSSink publishes msgpack-encoded notices to argus.case.execution.<status>
type NATSSink struct {
	prefix string
	pub    publisher
	conn   *nats.Conn
	logger *zap.SugaredLogger
}

// NewNATSSink connects to NATS and returns a sink that owns the connection
func NewNATSSink(cfg NATSConfig, logger *zap.SugaredLogger) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	opts := []nats.Option{nats.Name("argus-notifier")}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	s := newNATSSink(cfg.SubjectPrefix, conn, logger)
	s.conn = conn
	return s, nil
}

func newNATSSink(prefix string, pub publisher, logger *zap.SugaredLogger) *NATSSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	return &NATSSink{prefix: strings.TrimSuffix(prefix, "."), pub: pub, logger: logger}
}

// Subject returns the subject a notice with status is published on
func (s *NATSSink) Subject(status string) string {
	return s.prefix + "." + status
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// Send implements Sink
func (s *NATSSink) Send(ctx context.Context, notice ExecutionNotice) error {
	payload, err := msgpack.Marshal(&notice)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	if err := s.pub.Publish(s.Subject(string(notice.Status)), payload); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	return s.pub.FlushWithContext(ctx)
}

// Close drains the connection when the sink owns it
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
