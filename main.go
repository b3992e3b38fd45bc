package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/Go-routine-4595/twinrelay/adapters/controller"
	"github.com/Go-routine-4595/twinrelay/adapters/gateways"
	"github.com/Go-routine-4595/twinrelay/internal/config"
	"github.com/Go-routine-4595/twinrelay/internal/mqtt"
	"github.com/Go-routine-4595/twinrelay/internal/trust"
	"github.com/Go-routine-4595/twinrelay/usecase"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type mirror interface {
	usecase.Mirror
	Close()
}

// sessionOpener builds the session factory once the TLS configuration and
// the delivery pool exist.
type sessionOpener func(tlsConfig *tls.Config, dispatcher usecase.ISubmit) controller.SessionFactory

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup context for cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFilePath)

	// print config parameters
	printConfig(*cfg, &logger)

	sessions := func(tlsConfig *tls.Config, dispatcher usecase.ISubmit) controller.SessionFactory {
		return controller.NewEdgeSessionFactory(cfg, tlsConfig, dispatcher, &logger)
	}

	if err := run(ctx, cfg, sessions, &logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start")
	}
}

// run installs the CA certificate, opens both sessions and relays until ctx
// ends. No session is opened when the certificate cannot be installed.
func run(ctx context.Context, cfg *config.Config, sessions sessionOpener, logger *zerolog.Logger) error {
	// trust store
	bypass := runtime.GOOS == "windows" || cfg.BypassCertVerification
	store := trust.NewStore(logger)
	if bypass {
		logger.Warn().Msg("Bypassing server certificate verification")
	} else if err := store.Install(cfg.CACertificateFile); err != nil {
		return fmt.Errorf("install CA certificate: %w", err)
	}
	tlsConfig := mqtt.NewTLSConfig(store.Pool(), bypass)

	relay := usecase.NewMessageRelay(cfg.OutputName, logger)
	if m := setupMirror(cfg, logger); m != nil {
		relay.WithMirror(m)
		defer m.Close()
	}

	// use case
	pool := usecase.NewWorkerPool(cfg.WorkerCount, cfg.QueueSize, logger)
	pool.Start(ctx)
	defer pool.Close()

	twins := usecase.NewTwinSynchronizer(logger)

	// Setup module controller
	ctl := controller.NewModuleController(cfg, sessions(tlsConfig, pool), twins, relay, logger)
	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	defer ctl.Close()

	logger.Info().Msg("Waiting for incoming messages. Press Ctrl+C to exit.")
	<-ctx.Done()
	logger.Info().Int64("messages", relay.Count()).Msg("Received shutdown signal. Shutting down gracefully...")
	return nil
}

// setupMirror returns nil when no NATS URL is configured. A mirror that cannot
// connect is logged and skipped.
func setupMirror(cfg *config.Config, logger *zerolog.Logger) mirror {
	if cfg.MirrorNatsURL == "" {
		return nil
	}

	var (
		m   mirror
		err error
	)
	if cfg.MirrorJetStream {
		m, err = gateways.NewStreamConnector(cfg.MirrorNatsURL, cfg.MirrorSubject, logger)
	} else {
		m, err = gateways.NewNatsConnector(cfg.MirrorNatsURL, cfg.MirrorSubject, logger)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Mirror disabled")
		return nil
	}
	return m
}

func setupLogger(level string, logDir string) zerolog.Logger {
	// Create logs directory if it doesn't exist
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create log directory")
	}

	fileWriter := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "twinrelay.log"),
		MaxSize:    4,  // megabytes
		MaxBackups: 5,  // number of backups
		MaxAge:     30, // days
		LocalTime:  true,
		Compress:   false,
	}

	multi := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stdout},
		fileWriter,
	)

	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return zerolog.New(multi).With().Timestamp().Logger()
}

func printConfig(cfg config.Config, logger *zerolog.Logger) {
	logger.Info().Msg("Configuration:")
	logger.Info().Str("LOG_LEVEL", cfg.LogLevel).Msg("Log level")
	logger.Info().Str("LOG_FILE_PATH", cfg.LogFilePath).Msg("Log file path")
	logger.Info().Str("EdgeHubConnectionString", config.Redact(cfg.ModuleConnectionString)).Msg("Module connection string")
	logger.Info().Str("EdgeHubGwDeviceConnectionString", config.Redact(cfg.GatewayConnectionString)).Msg("Gateway connection string")
	logger.Info().Str("EdgeModuleCACertificateFile", cfg.CACertificateFile).Msg("CA certificate file")
	logger.Info().Bool("BYPASS_CERT_VERIFICATION", cfg.BypassCertVerification).Msg("Bypass certificate verification")
	logger.Info().Int("MQTT_PORT", cfg.MqttPort).Msg("MQTT port")
	logger.Info().Int("MQTT_KEEPALIVE", cfg.Keepalive).Msg("MQTT keepalive")
	logger.Info().Dur("CONNECT_TIMEOUT", cfg.ConnectTimeout).Msg("Connect timeout")
	logger.Info().Dur("OPERATION_TIMEOUT", cfg.OperationTimeout).Msg("Operation timeout")
	logger.Info().Dur("SAS_TOKEN_TTL", cfg.SasTokenTTL).Msg("SAS token lifetime")
	logger.Info().Str("INPUT_NAME", cfg.InputName).Str("OUTPUT_NAME", cfg.OutputName).Msg("Relay route")
	logger.Info().Int("WORKER_COUNT", cfg.WorkerCount).Int("QUEUE_SIZE", cfg.QueueSize).Msg("Worker pool")
	logger.Info().Str("MIRROR_NATS_URL", cfg.MirrorNatsURL).Str("MIRROR_SUBJECT", cfg.MirrorSubject).Bool("MIRROR_JETSTREAM", cfg.MirrorJetStream).Msg("Mirror")
}
