package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

var ErrConfiguration = errors.New("configuration error")

type Config struct {
	ModuleConnectionString  string `env:"EdgeHubConnectionString,required" description:"connection string of the module identity"`
	GatewayConnectionString string `env:"EdgeHubGwDeviceConnectionString,required" description:"connection string of the gateway device identity"`
	CACertificateFile       string `env:"EdgeModuleCACertificateFile" description:"CA certificate file added to the trust store"`
	BypassCertVerification  bool   `env:"BYPASS_CERT_VERIFICATION,default=false" description:"accept any server certificate, never in production"`

	MqttPort         int           `env:"MQTT_PORT,default=8883"`
	Keepalive        int           `env:"MQTT_KEEPALIVE,default=60"`
	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT,default=30s"`
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT,default=30s"`
	SasTokenTTL      time.Duration `env:"SAS_TOKEN_TTL,default=1h"`

	InputName   string `env:"INPUT_NAME,default=input1"`
	OutputName  string `env:"OUTPUT_NAME,default=output1"`
	WorkerCount int    `env:"WORKER_COUNT,default=4"`
	QueueSize   int    `env:"QUEUE_SIZE,default=100"`

	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFilePath string `env:"LOG_FILE_PATH,default=logs"`

	MirrorNatsURL   string `env:"MIRROR_NATS_URL"`
	MirrorSubject   string `env:"MIRROR_SUBJECT,default=edge.relay."`
	MirrorJetStream bool   `env:"MIRROR_JETSTREAM,default=false"`
}

// Load reads the configuration from the environment. Both connection strings
// are required.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.StrictDecode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModuleConnectionString) == "" {
		return fmt.Errorf("%w: EdgeHubConnectionString is blank", ErrConfiguration)
	}
	if strings.TrimSpace(c.GatewayConnectionString) == "" {
		return fmt.Errorf("%w: EdgeHubGwDeviceConnectionString is blank", ErrConfiguration)
	}
	if c.InputName == "" || c.OutputName == "" {
		return fmt.Errorf("%w: input and output names must be set", ErrConfiguration)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: WORKER_COUNT must be at least 1", ErrConfiguration)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: QUEUE_SIZE must not be negative", ErrConfiguration)
	}
	if c.ConnectTimeout <= 0 || c.OperationTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrConfiguration)
	}
	return nil
}

// Redact hides the shared access key of a connection string for logging.
func Redact(connectionString string) string {
	parts := strings.Split(connectionString, ";")
	for i, p := range parts {
		k, _, found := strings.Cut(p, "=")
		if found && strings.EqualFold(strings.TrimSpace(k), "SharedAccessKey") {
			parts[i] = k + "=***"
		}
	}
	return strings.Join(parts, ";")
}
