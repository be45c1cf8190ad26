package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/telekom/k8s-lease-elector/pkg/config"
)

// EnvPrefix is prepended to the upper-cased flag name to form its environment variable.
const EnvPrefix = "LEASE_ELECTOR_"

type Options struct {
	ConfigPath string
	Debug      bool
	AutoClose  bool

	// Election flags
	Identity            string
	LeaseName           string
	Namespace           string
	LeaseDuration       time.Duration
	RenewInterval       time.Duration
	WaitForLeadership   bool
	RetryAttempts       int
	RetryInterval       time.Duration
	SettleDelay         time.Duration
	AcquireDebounce     time.Duration
	WatchRestartDelay   time.Duration
	StandbyPollInterval time.Duration

	// Backend flags
	Backend         string
	KubeContext     string
	EtcdEndpoints   []string
	EtcdPrefix      string
	EtcdDialTimeout time.Duration
	EtcdUsername    string
	EtcdPassword    string
	NATSURL         string
	NATSBucket      string

	// Server flags
	ListenAddress string

	// Publish flags
	Kafka                 bool
	KafkaBrokers          []string
	KafkaTopic            string
	KafkaIncludeRenewals  bool
	KafkaTLS              bool
	KafkaCAFile           string
	KafkaSASLMechanism    string
	KafkaSASLUsername     string
	KafkaSASLPassword     string
	KubernetesEvents      bool
	KubernetesEventsRenew bool

	// Tracing flags
	Tracing             bool
	TracingExporter     string
	TracingEndpoint     string
	TracingInsecure     bool
	TracingSamplingRate float64

	fs      *pflag.FlagSet
	envErrs []error
}

// EnvName returns the environment variable backing a flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// AddFlags registers all flags on fs. Defaults come from the environment where set.
func AddFlags(fs *pflag.FlagSet) *Options {
	o := &Options{fs: fs}

	fs.StringVar(&o.ConfigPath, "config", o.envString("config", ""), "Path to the YAML configuration file")
	fs.BoolVar(&o.Debug, "debug", o.envBool("debug", false), "Enable debug level logging")
	fs.BoolVar(&o.AutoClose, "auto-close", o.envBool("auto-close", true), "Release the lease and exit on SIGINT/SIGTERM")

	// Election
	fs.StringVar(&o.Identity, "identity", o.envString("identity", ""), "Identity written into the lease. Defaults to <hostname>_<uuid>")
	fs.StringVar(&o.LeaseName, "lease-name", o.envString("lease-name", ""), "Name of the lease")
	fs.StringVar(&o.Namespace, "namespace", o.envString("namespace", ""), "Namespace of the lease")
	fs.DurationVar(&o.LeaseDuration, "lease-duration", o.envDuration("lease-duration"), "How long a lease stays valid without renewal")
	fs.DurationVar(&o.RenewInterval, "renew-interval", o.envDuration("renew-interval"), "How often the leader renews the lease")
	fs.BoolVar(&o.WaitForLeadership, "wait-for-leadership", o.envBool("wait-for-leadership", false), "Block startup until the first acquisition attempts are done")
	fs.IntVar(&o.RetryAttempts, "retry-attempts", o.envInt("retry-attempts"), "Acquisition retries after the first attempt; negative disables retries")
	fs.DurationVar(&o.RetryInterval, "retry-interval", o.envDuration("retry-interval"), "Pause between startup acquisition attempts")
	fs.DurationVar(&o.SettleDelay, "settle-delay", o.envDuration("settle-delay"), "Delay before acting on a lease change")
	fs.DurationVar(&o.AcquireDebounce, "acquire-debounce", o.envDuration("acquire-debounce"), "Delay before taking leadership announced by a lease change")
	fs.DurationVar(&o.WatchRestartDelay, "watch-restart-delay", o.envDuration("watch-restart-delay"), "Delay before re-subscribing after the watch ends")
	fs.DurationVar(&o.StandbyPollInterval, "standby-poll-interval", o.envDuration("standby-poll-interval"), "How often a follower re-checks the lease; negative disables polling")

	// Backend
	fs.StringVar(&o.Backend, "backend", o.envString("backend", ""), "Lease backend: auto, kubernetes, etcd, nats, memory or none")
	fs.StringVar(&o.KubeContext, "kube-context", o.envString("kube-context", ""), "Kubeconfig context for the kubernetes backend")
	fs.StringSliceVar(&o.EtcdEndpoints, "etcd-endpoints", o.envStrings("etcd-endpoints"), "Comma separated etcd endpoints")
	fs.StringVar(&o.EtcdPrefix, "etcd-prefix", o.envString("etcd-prefix", ""), "Key prefix for leases in etcd")
	fs.DurationVar(&o.EtcdDialTimeout, "etcd-dial-timeout", o.envDuration("etcd-dial-timeout"), "Timeout for establishing the etcd connection")
	fs.StringVar(&o.EtcdUsername, "etcd-username", o.envString("etcd-username", ""), "etcd user name")
	fs.StringVar(&o.EtcdPassword, "etcd-password", o.envString("etcd-password", ""), "etcd password")
	fs.StringVar(&o.NATSURL, "nats-url", o.envString("nats-url", ""), "NATS server URL for the nats backend")
	fs.StringVar(&o.NATSBucket, "nats-bucket", o.envString("nats-bucket", ""), "JetStream key-value bucket holding the leases")

	// Server
	fs.StringVar(&o.ListenAddress, "listen-address", o.envString("listen-address", ""), "Address of the status API (host:port)")

	// Publish
	fs.BoolVar(&o.Kafka, "kafka", o.envBool("kafka", false), "Publish leadership changes to Kafka")
	fs.StringSliceVar(&o.KafkaBrokers, "kafka-brokers", o.envStrings("kafka-brokers"), "Comma separated Kafka brokers")
	fs.StringVar(&o.KafkaTopic, "kafka-topic", o.envString("kafka-topic", ""), "Kafka topic for leadership notifications")
	fs.BoolVar(&o.KafkaIncludeRenewals, "kafka-include-renewals", o.envBool("kafka-include-renewals", false), "Also publish every lease renewal to Kafka")
	fs.BoolVar(&o.KafkaTLS, "kafka-tls", o.envBool("kafka-tls", false), "Use TLS for Kafka connections")
	fs.StringVar(&o.KafkaCAFile, "kafka-ca-file", o.envString("kafka-ca-file", ""), "PEM bundle to verify the Kafka brokers")
	fs.StringVar(&o.KafkaSASLMechanism, "kafka-sasl-mechanism", o.envString("kafka-sasl-mechanism", ""), "Kafka SASL mechanism: PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512")
	fs.StringVar(&o.KafkaSASLUsername, "kafka-sasl-username", o.envString("kafka-sasl-username", ""), "Kafka SASL user name")
	fs.StringVar(&o.KafkaSASLPassword, "kafka-sasl-password", o.envString("kafka-sasl-password", ""), "Kafka SASL password")
	fs.BoolVar(&o.KubernetesEvents, "kubernetes-events", o.envBool("kubernetes-events", false), "Record leadership changes as Events on the Lease")
	fs.BoolVar(&o.KubernetesEventsRenew, "kubernetes-events-include-renewals", o.envBool("kubernetes-events-include-renewals", false), "Also record every renewal as an Event")

	// Tracing
	fs.BoolVar(&o.Tracing, "tracing", o.envBool("tracing", false), "Trace lease backend calls with OpenTelemetry")
	fs.StringVar(&o.TracingExporter, "tracing-exporter", o.envString("tracing-exporter", ""), "Trace exporter: otlp, stdout or none")
	fs.StringVar(&o.TracingEndpoint, "tracing-endpoint", o.envString("tracing-endpoint", ""), "OTLP gRPC collector endpoint")
	fs.BoolVar(&o.TracingInsecure, "tracing-insecure", o.envBool("tracing-insecure", false), "Disable TLS towards the OTLP collector")
	fs.Float64Var(&o.TracingSamplingRate, "tracing-sampling-rate", o.envFloat("tracing-sampling-rate"), "Fraction of traces to sample (0-1)")

	return o
}

// Resolve loads the config file, if any, and applies flags and environment on top.
func (o *Options) Resolve() (config.Config, error) {
	if len(o.envErrs) > 0 {
		return config.Config{}, errors.Join(o.envErrs...)
	}
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return loaded, err
		}
		cfg = loaded
	}
	o.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Apply overrides cfg with every flag that was set on the command line or in the environment.
func (o *Options) Apply(cfg *config.Config) {
	if o.set("debug") {
		cfg.Debug = o.Debug
	}
	if o.set("auto-close") {
		autoClose := o.AutoClose
		cfg.AutoClose = &autoClose
	}

	e := &cfg.Election
	setString(o, "identity", &e.Identity, o.Identity)
	setString(o, "lease-name", &e.LeaseName, o.LeaseName)
	setString(o, "namespace", &e.Namespace, o.Namespace)
	setDuration(o, "lease-duration", &e.LeaseDuration, o.LeaseDuration)
	setDuration(o, "renew-interval", &e.RenewInterval, o.RenewInterval)
	if o.set("wait-for-leadership") {
		e.WaitForLeadership = o.WaitForLeadership
	}
	if o.set("retry-attempts") {
		e.RetryAttempts = o.RetryAttempts
	}
	setDuration(o, "retry-interval", &e.RetryInterval, o.RetryInterval)
	setDuration(o, "settle-delay", &e.SettleDelay, o.SettleDelay)
	setDuration(o, "acquire-debounce", &e.AcquireDebounce, o.AcquireDebounce)
	setDuration(o, "watch-restart-delay", &e.WatchRestartDelay, o.WatchRestartDelay)
	setDuration(o, "standby-poll-interval", &e.StandbyPollInterval, o.StandbyPollInterval)

	b := &cfg.Backend
	setString(o, "backend", &b.Type, o.Backend)
	setString(o, "kube-context", &b.Kubernetes.Context, o.KubeContext)
	setStrings(o, "etcd-endpoints", &b.Etcd.Endpoints, o.EtcdEndpoints)
	setString(o, "etcd-prefix", &b.Etcd.Prefix, o.EtcdPrefix)
	setDuration(o, "etcd-dial-timeout", &b.Etcd.DialTimeout, o.EtcdDialTimeout)
	setString(o, "etcd-username", &b.Etcd.Username, o.EtcdUsername)
	setString(o, "etcd-password", &b.Etcd.Password, o.EtcdPassword)
	setString(o, "nats-url", &b.NATS.URL, o.NATSURL)
	setString(o, "nats-bucket", &b.NATS.Bucket, o.NATSBucket)

	setString(o, "listen-address", &cfg.Server.ListenAddress, o.ListenAddress)

	k := &cfg.Publish.Kafka
	if o.set("kafka") {
		k.Enabled = o.Kafka
	}
	setStrings(o, "kafka-brokers", &k.Brokers, o.KafkaBrokers)
	setString(o, "kafka-topic", &k.Topic, o.KafkaTopic)
	if o.set("kafka-include-renewals") {
		k.IncludeRenewals = o.KafkaIncludeRenewals
	}
	if o.set("kafka-tls") {
		k.TLS.Enabled = o.KafkaTLS
	}
	setString(o, "kafka-ca-file", &k.TLS.CAFile, o.KafkaCAFile)
	setString(o, "kafka-sasl-mechanism", &k.SASL.Mechanism, o.KafkaSASLMechanism)
	setString(o, "kafka-sasl-username", &k.SASL.Username, o.KafkaSASLUsername)
	setString(o, "kafka-sasl-password", &k.SASL.Password, o.KafkaSASLPassword)
	if o.set("kubernetes-events") {
		cfg.Publish.KubernetesEvents.Enabled = o.KubernetesEvents
	}
	if o.set("kubernetes-events-include-renewals") {
		cfg.Publish.KubernetesEvents.IncludeRenewals = o.KubernetesEventsRenew
	}

	tr := &cfg.Telemetry
	if o.set("tracing") {
		tr.Enabled = o.Tracing
	}
	setString(o, "tracing-exporter", &tr.Exporter, o.TracingExporter)
	setString(o, "tracing-endpoint", &tr.Endpoint, o.TracingEndpoint)
	if o.set("tracing-insecure") {
		tr.Insecure = o.TracingInsecure
	}
	if o.set("tracing-sampling-rate") {
		tr.SamplingRate = o.TracingSamplingRate
	}
}

// Print logs the effective configuration. Secrets are masked.
func Print(cfg config.Config, log *zap.SugaredLogger) {
	log.Infow("Configuration",
		"debug", cfg.Debug,
		"auto_close", cfg.ShouldAutoClose(),
		// Election
		"identity", cfg.Election.Identity,
		"lease_name", cfg.Election.LeaseName,
		"namespace", cfg.Election.Namespace,
		"lease_duration", cfg.Election.LeaseDuration,
		"renew_interval", cfg.Election.RenewInterval,
		"wait_for_leadership", cfg.Election.WaitForLeadership,
		"retry_attempts", cfg.Election.RetryAttempts,
		// Backend
		"backend", cfg.Backend.Type,
		"kube_context", cfg.Backend.Kubernetes.Context,
		"etcd_endpoints", cfg.Backend.Etcd.Endpoints,
		"etcd_password_set", cfg.Backend.Etcd.Password != "",
		"nats_url", cfg.Backend.NATS.URL,
		"nats_bucket", cfg.Backend.NATS.Bucket,
		// Server
		"listen_address", cfg.Server.ListenAddress,
		// Publish
		"kafka_enabled", cfg.Publish.Kafka.Enabled,
		"kafka_brokers", cfg.Publish.Kafka.Brokers,
		"kafka_topic", cfg.Publish.Kafka.Topic,
		"kafka_sasl_mechanism", cfg.Publish.Kafka.SASL.Mechanism,
		"kubernetes_events", cfg.Publish.KubernetesEvents.Enabled,
		// Tracing
		"tracing_enabled", cfg.Telemetry.Enabled,
		"tracing_exporter", cfg.Telemetry.Exporter,
		"tracing_endpoint", cfg.Telemetry.Endpoint,
	)
}

// set reports whether a flag was given explicitly or through its environment variable.
func (o *Options) set(name string) bool {
	if o.fs != nil && o.fs.Changed(name) {
		return true
	}
	_, ok := os.LookupEnv(EnvName(name))
	return ok
}

func setString(o *Options, name string, dst *string, v string) {
	if o.set(name) {
		*dst = v
	}
}

func setDuration(o *Options, name string, dst *time.Duration, v time.Duration) {
	if o.set(name) {
		*dst = v
	}
}

func setStrings(o *Options, name string, dst *[]string, v []string) {
	if o.set(name) {
		*dst = v
	}
}

func (o *Options) envString(flag, defaultVal string) string {
	return getEnvString(EnvName(flag), defaultVal)
}

func (o *Options) envBool(flag string, defaultVal bool) bool {
	return getEnvBool(EnvName(flag), defaultVal)
}

func (o *Options) envStrings(flag string) []string {
	val, ok := os.LookupEnv(EnvName(flag))
	if !ok || val == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(val, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (o *Options) envDuration(flag string) time.Duration {
	key := EnvName(flag)
	d, err := parseDuration(key, getEnvString(key, ""), 0)
	if err != nil {
		o.envErrs = append(o.envErrs, err)
	}
	return d
}

func (o *Options) envInt(flag string) int {
	key := EnvName(flag)
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		o.envErrs = append(o.envErrs, fmt.Errorf("invalid %s %q: %w", key, val, err))
		return 0
	}
	return n
}

func (o *Options) envFloat(flag string) float64 {
	key := EnvName(flag)
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return 0
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		o.envErrs = append(o.envErrs, fmt.Errorf("invalid %s %q: %w", key, val, err))
		return 0
	}
	return f
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	duration := def
	if value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			duration = d
		} else {
			return duration, fmt.Errorf("invalid %s %q; using default %s: %w", name, value, def.String(), err)
		}
	}

	return duration, nil
}

// getEnvString returns the value of an environment variable, or the provided default if not set.
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvBool returns the value of an environment variable as a bool, or the provided default if not set.
// Valid true values are "true", "1", "yes" (case-insensitive).
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}
