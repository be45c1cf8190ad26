/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package publish

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/telekom/k8s-lease-elector/pkg/elector"
	"github.com/telekom/k8s-lease-elector/pkg/metrics"
)

const kafkaSink = "kafka"

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// IncludeRenewals also publishes lease-renewed, one message per renewal.
	IncludeRenewals bool

	// WriteTimeout bounds a single publish. Default: 10 seconds
	WriteTimeout time.Duration

	TLS  *KafkaTLSConfig
	SASL *KafkaSASLConfig
}

// KafkaTLSConfig holds TLS configuration for Kafka connections.
type KafkaTLSConfig struct {
	Enabled bool
	// CAFile is a PEM bundle used instead of the system roots.
	CAFile string
	// InsecureSkipVerify skips server certificate verification.
	// WARNING: Only use for testing.
	InsecureSkipVerify bool
}

// KafkaSASLConfig holds SASL authentication configuration.
type KafkaSASLConfig struct {
	// Mechanism is one of "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512".
	Mechanism string
	Username  string
	Password  string
}

// Message is the JSON value of every record, keyed by lease name.
type Message struct {
	elector.Event
	Namespace string    `json:"namespace"`
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes leadership notifications to a Kafka topic.
type KafkaPublisher struct {
	writer          messageWriter
	topic           string
	namespace       string
	identity        string
	includeRenewals bool
	writeTimeout    time.Duration
	log             *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

var _ elector.Listener = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds the Kafka writer. namespace and identity are stamped
// on every message so consumers can tell replicas apart.
func NewKafkaPublisher(cfg KafkaConfig, namespace, identity string, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	transport := &kafka.Transport{}
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		transport.TLS = tlsConfig
	}
	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		mechanism, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Transport:    transport,
	}

	log.Infow("Kafka publisher created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"includeRenewals", cfg.IncludeRenewals,
		"tls_enabled", cfg.TLS != nil && cfg.TLS.Enabled,
		"sasl_enabled", cfg.SASL != nil && cfg.SASL.Mechanism != "")

	return newKafkaPublisher(writer, cfg, namespace, identity, log), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig, namespace, identity string, log *zap.SugaredLogger) *KafkaPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaPublisher{
		writer:          w,
		topic:           cfg.Topic,
		namespace:       namespace,
		identity:        identity,
		includeRenewals: cfg.IncludeRenewals,
		writeTimeout:    timeout,
		log:             log.Named("kafka"),
	}
}

// OnEvent implements elector.Listener. Failures are logged and counted; the
// notification is dropped.
func (p *KafkaPublisher) OnEvent(ev elector.Event) {
	if ev.Type == elector.LeaseRenewed && !p.includeRenewals {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		p.log.Warnw("Failed to publish leadership notification, dropped", "event", ev.Type, "error", err)
	}
}

// Publish writes a single notification.
func (p *KafkaPublisher) Publish(ctx context.Context, ev elector.Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		metrics.NotificationsPublished.WithLabelValues(kafkaSink, string(ev.Type), "closed").Inc()
		return errors.New("kafka publisher is closed")
	}

	value, err := json.Marshal(Message{Event: ev, Namespace: p.namespace, Identity: p.identity, Timestamp: time.Now().UTC()})
	if err != nil {
		metrics.NotificationsPublished.WithLabelValues(kafkaSink, string(ev.Type), "serialization").Inc()
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.LeaseName),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "identity", Value: []byte(p.identity)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		errorType := classifyKafkaError(err)
		metrics.NotificationsPublished.WithLabelValues(kafkaSink, string(ev.Type), errorType).Inc()
		return fmt.Errorf("failed to write to Kafka (%s): %w", errorType, err)
	}
	metrics.NotificationsPublished.WithLabelValues(kafkaSink, string(ev.Type), "success").Inc()
	p.log.Debugw("Published leadership notification", "event", ev.Type, "topic", p.topic)
	return nil
}

// Close flushes and closes the writer. Later calls do nothing.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

// classifyKafkaError categorizes Kafka errors for metrics.
func classifyKafkaError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "SASL") || strings.Contains(errStr, "authentication"):
		return "auth"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network"
	case strings.Contains(errStr, "broker") || strings.Contains(errStr, "leader"):
		return "broker"
	case strings.Contains(errStr, "topic"):
		return "topic"
	default:
		return "other"
	}
}

func buildTLSConfig(cfg *KafkaTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Configurable for testing
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func buildSASLMechanism(cfg *KafkaSASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "PLAIN":
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case "SCRAM-SHA-256":
		mechanism, err := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-256 mechanism: %w", err)
		}
		return mechanism, nil
	case "SCRAM-SHA-512":
		mechanism, err := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-512 mechanism: %w", err)
		}
		return mechanism, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}
