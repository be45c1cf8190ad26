package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/k8s-lease-elector/pkg/elector"
	"github.com/telekom/k8s-lease-elector/pkg/metrics"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *fakeWriter) all() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}, "default", "a", log)
	require.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, "default", "a", log)
	require.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "t",
		SASL:    &KafkaSASLConfig{Mechanism: "GSSAPI"},
	}, "default", "a", log)
	require.ErrorContains(t, err, "unsupported SASL mechanism")

	p, err := NewKafkaPublisher(KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "t",
		SASL:    &KafkaSASLConfig{Mechanism: "SCRAM-SHA-512", Username: "u", Password: "p"},
		TLS:     &KafkaTLSConfig{Enabled: true},
	}, "default", "a", log)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_PublishesLeadershipChanges(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, KafkaConfig{Topic: "leadership"}, "kube-system", "replica-1", zaptest.NewLogger(t).Sugar())

	p.OnEvent(elector.Event{Type: elector.LeadershipAcquired, LeaseName: "controller"})
	p.OnEvent(elector.Event{Type: elector.LeaseRenewed, LeaseName: "controller", RenewTime: time.Now()})
	p.OnEvent(elector.Event{Type: elector.LeadershipLost, LeaseName: "controller"})

	msgs := w.all()
	require.Len(t, msgs, 2, "renewals are skipped unless enabled")
	assert.Equal(t, "controller", string(msgs[0].Key))
	assert.Equal(t, "leadership-acquired", header(msgs[0], "event-type"))
	assert.Equal(t, "replica-1", header(msgs[0], "identity"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].Value, &payload))
	assert.Equal(t, "leadership-lost", payload["type"])
	assert.Equal(t, "controller", payload["leaseName"])
	assert.Equal(t, "kube-system", payload["namespace"])
	assert.Equal(t, "replica-1", payload["identity"])
	assert.NotContains(t, payload, "renewTime")
}

func TestKafkaPublisher_IncludeRenewals(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, KafkaConfig{Topic: "leadership", IncludeRenewals: true}, "default", "a", zaptest.NewLogger(t).Sugar())

	renewed := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	p.OnEvent(elector.Event{Type: elector.LeaseRenewed, LeaseName: "controller", RenewTime: renewed})

	msgs := w.all()
	require.Len(t, msgs, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &payload))
	assert.Equal(t, "lease-renewed", payload["type"])
	assert.Equal(t, "2025-06-01T08:30:00Z", payload["renewTime"])
}

func TestKafkaPublisher_FailuresAreCountedNotPropagated(t *testing.T) {
	metrics.NotificationsPublished.Reset()
	defer metrics.NotificationsPublished.Reset()

	w := &fakeWriter{err: errors.New("dial tcp: connection refused")}
	p := newKafkaPublisher(w, KafkaConfig{Topic: "leadership"}, "default", "a", zaptest.NewLogger(t).Sugar())

	p.OnEvent(elector.Event{Type: elector.LeadershipAcquired, LeaseName: "controller"})
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NotificationsPublished.WithLabelValues("kafka", "leadership-acquired", "network")))

	err := p.Publish(context.Background(), elector.Event{Type: elector.LeadershipLost, LeaseName: "controller"})
	require.ErrorContains(t, err, "network")
}

func TestKafkaPublisher_CloseIsIdempotent(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, KafkaConfig{Topic: "leadership"}, "default", "a", zaptest.NewLogger(t).Sugar())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, w.closed)

	err := p.Publish(context.Background(), elector.Event{Type: elector.LeadershipLost, LeaseName: "controller"})
	require.ErrorContains(t, err, "closed")
	assert.Empty(t, w.all())
}

func TestClassifyKafkaError(t *testing.T) {
	tests := map[string]error{
		"timeout":   context.DeadlineExceeded,
		"cancelled": context.Canceled,
		"auth":      errors.New("SASL handshake failed"),
		"network":   errors.New("connection refused"),
		"broker":    errors.New("not the leader for partition"),
		"topic":     errors.New("unknown topic or partition"),
		"other":     errors.New("something else"),
	}
	for want, err := range tests {
		assert.Equal(t, want, classifyKafkaError(err), "error %q", err)
	}
}
