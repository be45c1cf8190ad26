package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/k8s-lease-elector/pkg/config"
	"github.com/telekom/k8s-lease-elector/pkg/telemetry"
	"github.com/telekom/k8s-lease-elector/pkg/version"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		expectError string
		check       func(t *testing.T, cfg config.Config)
	}{
		{
			name: "full config",
			content: `
election:
  leaseName: controller
  namespace: kube-system
  leaseDuration: 30s
  renewInterval: 5s
  waitForLeadership: true
  retryAttempts: 4
backend:
  type: etcd
  etcd:
    endpoints: ["http://etcd-0:2379", "http://etcd-1:2379"]
    prefix: /elections
    dialTimeout: 3s
server:
  listenAddress: ":9090"
publish:
  kafka:
    enabled: true
    brokers: ["kafka:9092"]
    includeRenewals: true
    sasl:
      mechanism: PLAIN
      username: u
      password: p
  kubernetesEvents:
    enabled: true
autoClose: false
debug: true
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "controller", cfg.Election.LeaseName)
				assert.Equal(t, 30*time.Second, cfg.Election.LeaseDuration)
				assert.Equal(t, 5*time.Second, cfg.Election.RenewInterval)
				assert.True(t, cfg.Election.WaitForLeadership)
				assert.Equal(t, config.BackendEtcd, cfg.Backend.Type)
				assert.Equal(t, []string{"http://etcd-0:2379", "http://etcd-1:2379"}, cfg.Backend.Etcd.Endpoints)
				assert.Equal(t, 3*time.Second, cfg.Backend.Etcd.DialTimeout)
				assert.Equal(t, ":9090", cfg.Server.ListenAddress)
				assert.Equal(t, config.DefaultKafkaTopic, cfg.Publish.Kafka.Topic)
				assert.True(t, cfg.Publish.KubernetesEvents.Enabled)
				assert.False(t, cfg.ShouldAutoClose())
				assert.True(t, cfg.Debug)
			},
		},
		{
			name:    "empty file uses defaults",
			content: "",
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.BackendAuto, cfg.Backend.Type)
				assert.Equal(t, config.DefaultListenAddress, cfg.Server.ListenAddress)
				assert.Equal(t, config.DefaultEtcdDialTimeout, cfg.Backend.Etcd.DialTimeout)
				assert.True(t, cfg.ShouldAutoClose())
			},
		},
		{
			name: "unknown key is rejected",
			content: `
election:
  leaseNmae: typo
`,
			expectError: "leaseNmae",
		},
		{
			name: "unknown backend type",
			content: `
backend:
  type: zookeeper
`,
			expectError: "backend.type",
		},
		{
			name: "etcd without endpoints",
			content: `
backend:
  type: etcd
`,
			expectError: "backend.etcd.endpoints",
		},
		{
			name: "nats without url",
			content: `
backend:
  type: nats
`,
			expectError: "backend.nats.url",
		},
		{
			name: "kafka without brokers",
			content: `
publish:
  kafka:
    enabled: true
`,
			expectError: "publish.kafka.brokers",
		},
		{
			name: "tracing",
			content: `
telemetry:
  enabled: true
  exporter: stdout
  samplingRate: 0.25
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.True(t, cfg.Telemetry.Enabled)
				assert.Equal(t, "stdout", cfg.Telemetry.Exporter)
				assert.Equal(t, config.DefaultTraceEndpoint, cfg.Telemetry.Endpoint)
				assert.InDelta(t, 0.25, cfg.Telemetry.SamplingRate, 1e-9)
			},
		},
		{
			name: "unknown trace exporter",
			content: `
telemetry:
  enabled: true
  exporter: zipkin
`,
			expectError: "telemetry.exporter",
		},
		{
			name: "invalid duration",
			content: `
election:
  leaseDuration: soon
`,
			expectError: "error unmarshaling YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, tt.content))
			if tt.expectError != "" {
				require.ErrorContains(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "trying to open lease-elector config file")
}

func TestResolveBackendType(t *testing.T) {
	cfg := config.Default()

	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	assert.Equal(t, config.BackendKubernetes, cfg.ResolveBackendType())

	require.NoError(t, os.Unsetenv("KUBERNETES_SERVICE_HOST"))
	assert.Equal(t, config.BackendNone, cfg.ResolveBackendType())

	cfg.Backend.Type = config.BackendMemory
	assert.Equal(t, config.BackendMemory, cfg.ResolveBackendType())
}

func TestElectorConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Election.LeaseName = "controller"
	cfg.Election.LeaseDuration = 40 * time.Second
	cfg.Election.RetryAttempts = -1

	ec := cfg.ElectorConfig().WithDefaults()
	assert.Equal(t, "controller", ec.LeaseName)
	assert.Equal(t, 40*time.Second, ec.LeaseDuration)
	assert.Equal(t, 20*time.Second, ec.RetryInterval)
	assert.Equal(t, 0, ec.RetryAttempts)
	require.NoError(t, ec.Validate())
}

func TestKafkaConfig(t *testing.T) {
	cfg := config.Default()
	assert.Nil(t, cfg.KafkaConfig())

	cfg.Publish.Kafka.Enabled = true
	cfg.Publish.Kafka.Brokers = []string{"kafka:9092"}
	kc := cfg.KafkaConfig()
	require.NotNil(t, kc)
	assert.Equal(t, config.DefaultKafkaTopic, kc.Topic)
	assert.Nil(t, kc.TLS)
	assert.Nil(t, kc.SASL)

	cfg.Publish.Kafka.TLS.Enabled = true
	cfg.Publish.Kafka.SASL.Mechanism = "SCRAM-SHA-256"
	kc = cfg.KafkaConfig()
	require.NotNil(t, kc.TLS)
	require.NotNil(t, kc.SASL)
	assert.Equal(t, "SCRAM-SHA-256", kc.SASL.Mechanism)
}

func TestTelemetryOptions(t *testing.T) {
	cfg := config.Default()
	opts := cfg.TelemetryOptions()
	assert.False(t, opts.Enabled)
	assert.Equal(t, telemetry.DefaultServiceName, opts.ServiceName)
	assert.Equal(t, version.Version, opts.ServiceVersion)
	assert.Equal(t, config.DefaultTraceExporter, opts.Exporter)
	assert.Equal(t, config.DefaultTraceEndpoint, opts.Endpoint)
	assert.InDelta(t, 1.0, opts.SamplingRate, 1e-9)
}
