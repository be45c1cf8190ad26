// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/telekom/k8s-lease-elector/pkg/elector"
	"github.com/telekom/k8s-lease-elector/pkg/publish"
	"github.com/telekom/k8s-lease-elector/pkg/telemetry"
	"github.com/telekom/k8s-lease-elector/pkg/version"
)

// Backend types accepted in backend.type.
const (
	BackendAuto       = "auto"
	BackendKubernetes = "kubernetes"
	BackendEtcd       = "etcd"
	BackendNATS       = "nats"
	BackendMemory     = "memory"
	BackendNone       = "none"
)

var backendTypes = []string{BackendAuto, BackendKubernetes, BackendEtcd, BackendNATS, BackendMemory, BackendNone}

var telemetryExporters = []string{telemetry.ExporterOTLP, telemetry.ExporterStdout, telemetry.ExporterNone}

const (
	DefaultListenAddress   = ":8080"
	DefaultEtcdDialTimeout = 5 * time.Second
	DefaultKafkaTopic      = "lease-elector.leadership"
	DefaultTraceExporter   = telemetry.ExporterOTLP
	DefaultTraceEndpoint   = "localhost:4317"
)

// Election mirrors elector.Config. Durations accept Go duration strings ("20s").
type Election struct {
	Identity            string        `yaml:"identity"`
	LeaseName           string        `yaml:"leaseName"`
	Namespace           string        `yaml:"namespace"`
	LeaseDuration       time.Duration `yaml:"leaseDuration"`
	RenewInterval       time.Duration `yaml:"renewInterval"`
	WaitForLeadership   bool          `yaml:"waitForLeadership"`
	RetryAttempts       int           `yaml:"retryAttempts"`
	RetryInterval       time.Duration `yaml:"retryInterval"`
	SettleDelay         time.Duration `yaml:"settleDelay"`
	AcquireDebounce     time.Duration `yaml:"acquireDebounce"`
	WatchRestartDelay   time.Duration `yaml:"watchRestartDelay"`
	StandbyPollInterval time.Duration `yaml:"standbyPollInterval"`
}

type Backend struct {
	// Type is one of auto, kubernetes, etcd, nats, memory or none.
	// auto picks kubernetes inside a cluster and none (standalone) elsewhere.
	Type       string     `yaml:"type"`
	Kubernetes Kubernetes `yaml:"kubernetes"`
	Etcd       Etcd       `yaml:"etcd"`
	NATS       NATS       `yaml:"nats"`
}

type Kubernetes struct {
	// Context selects a kubeconfig context; empty uses the current one or the
	// in-cluster config.
	Context string `yaml:"context"`
}

type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

type NATS struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

type Server struct {
	// ListenAddress of the status API; empty disables the server.
	ListenAddress string `yaml:"listenAddress"`
}

type Publish struct {
	Kafka            Kafka            `yaml:"kafka"`
	KubernetesEvents KubernetesEvents `yaml:"kubernetesEvents"`
}

type Kafka struct {
	Enabled         bool          `yaml:"enabled"`
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	IncludeRenewals bool          `yaml:"includeRenewals"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	TLS             KafkaTLS      `yaml:"tls"`
	SASL            KafkaSASL     `yaml:"sasl"`
}

type KafkaTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type KafkaSASL struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// KubernetesEvents records leadership changes as Events on the Lease. Only
// used with the kubernetes backend.
type KubernetesEvents struct {
	Enabled         bool `yaml:"enabled"`
	IncludeRenewals bool `yaml:"includeRenewals"`
}

// Telemetry configures OpenTelemetry tracing of lease backend calls.
type Telemetry struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Election  Election  `yaml:"election"`
	Backend   Backend   `yaml:"backend"`
	Server    Server    `yaml:"server"`
	Publish   Publish   `yaml:"publish"`
	Telemetry Telemetry `yaml:"telemetry"`
	// AutoClose stops the election on SIGINT/SIGTERM. Defaults to true.
	AutoClose *bool `yaml:"autoClose"`
	Debug     bool  `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{}.withDefaults()
}

// Load reads and validates the configuration file at path. Unknown keys are errors.
func Load(path string) (Config, error) {
	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open lease-elector config file %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

func (c Config) withDefaults() Config {
	if c.Backend.Type == "" {
		c.Backend.Type = BackendAuto
	}
	if c.Backend.Etcd.DialTimeout == 0 {
		c.Backend.Etcd.DialTimeout = DefaultEtcdDialTimeout
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Publish.Kafka.Topic == "" {
		c.Publish.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = DefaultTraceExporter
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = DefaultTraceEndpoint
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1
	}
	if c.AutoClose == nil {
		autoClose := true
		c.AutoClose = &autoClose
	}
	return c
}

// Validate checks settings that the elector itself does not.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(backendTypes, c.Backend.Type) {
		errs = append(errs, fmt.Errorf("backend.type %q must be one of %v", c.Backend.Type, backendTypes))
	}
	switch c.Backend.Type {
	case BackendEtcd:
		if len(c.Backend.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("backend.etcd.endpoints is required for the etcd backend"))
		}
	case BackendNATS:
		if c.Backend.NATS.URL == "" {
			errs = append(errs, errors.New("backend.nats.url is required for the nats backend"))
		}
	}
	if c.Publish.Kafka.Enabled && len(c.Publish.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("publish.kafka.brokers is required when kafka publishing is enabled"))
	}
	if c.Telemetry.Enabled && !slices.Contains(telemetryExporters, c.Telemetry.Exporter) {
		errs = append(errs, fmt.Errorf("telemetry.exporter %q must be one of %v", c.Telemetry.Exporter, telemetryExporters))
	}
	if c.Election.LeaseDuration < 0 || c.Election.RenewInterval < 0 {
		errs = append(errs, errors.New("election.leaseDuration and election.renewInterval must not be negative"))
	}
	return errors.Join(errs...)
}

// ShouldAutoClose reports whether signals should stop the election.
func (c Config) ShouldAutoClose() bool {
	return c.AutoClose == nil || *c.AutoClose
}

// ResolveBackendType turns auto into a concrete backend type.
func (c Config) ResolveBackendType() string {
	if c.Backend.Type != BackendAuto && c.Backend.Type != "" {
		return c.Backend.Type
	}
	if _, ok := os.LookupEnv("KUBERNETES_SERVICE_HOST"); ok {
		return BackendKubernetes
	}
	return BackendNone
}

// ElectorConfig returns the election settings for elector.New.
func (c Config) ElectorConfig() elector.Config {
	e := c.Election
	return elector.Config{
		Identity:            e.Identity,
		LeaseName:           e.LeaseName,
		Namespace:           e.Namespace,
		LeaseDuration:       e.LeaseDuration,
		RenewInterval:       e.RenewInterval,
		WaitForLeadership:   e.WaitForLeadership,
		RetryAttempts:       e.RetryAttempts,
		RetryInterval:       e.RetryInterval,
		SettleDelay:         e.SettleDelay,
		AcquireDebounce:     e.AcquireDebounce,
		WatchRestartDelay:   e.WatchRestartDelay,
		StandbyPollInterval: e.StandbyPollInterval,
	}
}

// KafkaConfig returns the publisher settings, or nil when Kafka is disabled.
func (c Config) KafkaConfig() *publish.KafkaConfig {
	k := c.Publish.Kafka
	if !k.Enabled {
		return nil
	}
	out := &publish.KafkaConfig{
		Brokers:         k.Brokers,
		Topic:           k.Topic,
		IncludeRenewals: k.IncludeRenewals,
		WriteTimeout:    k.WriteTimeout,
	}
	if k.TLS.Enabled {
		out.TLS = &publish.KafkaTLSConfig{
			Enabled:            true,
			CAFile:             k.TLS.CAFile,
			InsecureSkipVerify: k.TLS.InsecureSkipVerify,
		}
	}
	if k.SASL.Mechanism != "" {
		out.SASL = &publish.KafkaSASLConfig{
			Mechanism: k.SASL.Mechanism,
			Username:  k.SASL.Username,
			Password:  k.SASL.Password,
		}
	}
	return out
}

// TelemetryOptions returns the tracing settings for telemetry.Init.
func (c Config) TelemetryOptions() telemetry.Options {
	t := c.Telemetry
	return telemetry.Options{
		Enabled:        t.Enabled,
		ServiceName:    telemetry.DefaultServiceName,
		ServiceVersion: version.Version,
		Exporter:       t.Exporter,
		Endpoint:       t.Endpoint,
		Insecure:       t.Insecure,
		SamplingRate:   t.SamplingRate,
	}
}
