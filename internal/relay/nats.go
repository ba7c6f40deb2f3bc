// Package relay mirrors realtime room events between API instances over
// NATS, so viewers of one conversation can be connected to different nodes.
// Durable replay is out of scope; this is live fan-out only.
package relay

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/logger"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/metrics"
)

const subjectPrefix = "chat.room."

// Config holds NATS connection configuration.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// NATSRelay publishes local room events and replays events published by
// sibling instances. Every envelope is tagged with the publishing instance
// id so a node never re-applies its own events.
type NATSRelay struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	instance string
	logger   *logger.Logger
}

type envelope struct {
	Instance string      `json:"instance"`
	RoomKey  string      `json:"roomKey"`
	Frame    model.Frame `json:"frame"`
}

// Connect establishes the NATS connection with unlimited reconnects.
func Connect(cfg Config, log *logger.Logger) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSRelay{
		conn:     nc,
		instance: uuid.New().String(),
		logger:   log,
	}, nil
}

// Publish mirrors one room event to sibling instances.
func (r *NATSRelay) Publish(roomKey string, f model.Frame) error {
	data, err := json.Marshal(envelope{
		Instance: r.instance,
		RoomKey:  roomKey,
		Frame:    f,
	})
	if err != nil {
		return fmt.Errorf("failed to encode relay envelope: %w", err)
	}
	if err := r.conn.Publish(Subject(roomKey), data); err != nil {
		return err
	}
	metrics.RelayEventsTotal.WithLabelValues("out").Inc()
	return nil
}

// Subscribe starts replaying sibling events through apply. Events published
// by this instance are skipped.
func (r *NATSRelay) Subscribe(apply func(model.Frame)) error {
	sub, err := r.conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			r.logger.Warn("dropping malformed relay envelope", zap.Error(err))
			return
		}
		if env.Instance == r.instance {
			return
		}
		metrics.RelayEventsTotal.WithLabelValues("in").Inc()
		apply(env.Frame)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to relay subjects: %w", err)
	}
	r.sub = sub
	return nil
}

// IsConnected reports connection health for readiness checks.
func (r *NATSRelay) IsConnected() bool {
	return r.conn != nil && r.conn.IsConnected()
}

// Close drains the subscription and closes the connection.
func (r *NATSRelay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

// Subject maps a room key onto a relay subject. Room keys are opaque client
// strings, so characters with subject semantics are replaced.
func Subject(roomKey string) string {
	sanitized := strings.Map(func(c rune) rune {
		switch c {
		case '.', ' ', '*', '>':
			return '_'
		}
		return c
	}, roomKey)
	return subjectPrefix + sanitized
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
