package controller

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"github.com/Go-routine-4595/twinrelay/domain"
	"github.com/Go-routine-4595/twinrelay/internal/config"
	"github.com/Go-routine-4595/twinrelay/internal/mqtt"
	"github.com/Go-routine-4595/twinrelay/usecase"

	"github.com/rs/zerolog"
)

const (
	RoleModule  = "module"
	RoleGateway = "gateway"
)

// Session is an open edge hub session.
type Session interface {
	usecase.TwinSession
	usecase.EventSender
	SetInputMessageHandler(input string, handler domain.InputHandler, userContext any) error
	Close()
}

// SessionFactory opens the session of one identity. role is RoleModule or
// RoleGateway.
type SessionFactory func(ctx context.Context, role string, connectionString string) (Session, error)

// NewEdgeSessionFactory opens MQTT sessions with the edge hub.
func NewEdgeSessionFactory(cfg *config.Config, tlsConfig *tls.Config, dispatcher usecase.ISubmit, logger *zerolog.Logger) SessionFactory {
	return func(ctx context.Context, role string, connectionString string) (Session, error) {
		desc, err := mqtt.ParseConnectionString(connectionString)
		if err != nil {
			return nil, fmt.Errorf("%s connection string: %w", role, err)
		}

		ec := mqtt.NewEdgeConfig(desc, cfg.MqttPort).
			WithTLS(tlsConfig).
			WithTimeouts(cfg.ConnectTimeout, cfg.OperationTimeout).
			WithTokenTTL(cfg.SasTokenTTL).
			WithKeepalive(cfg.Keepalive)

		client := mqtt.NewEdgeClient(ec, logger).WithDispatcher(dispatcher)
		if err := client.Open(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}
}

// ModuleController opens the module and gateway sessions, synchronizes both
// twins and pipes the module input to its output.
type ModuleController struct {
	config *config.Config
	open   SessionFactory
	twins  *usecase.TwinSynchronizer
	relay  *usecase.MessageRelay
	logger *zerolog.Logger

	mu       sync.Mutex
	sessions []Session
	results  []usecase.TwinSyncResult
}

func NewModuleController(cfg *config.Config, open SessionFactory, twins *usecase.TwinSynchronizer, relay *usecase.MessageRelay, logger *zerolog.Logger) *ModuleController {
	var l zerolog.Logger

	if logger == nil {
		l = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		l = *logger
	}

	return &ModuleController{
		config: cfg,
		open:   open,
		twins:  twins,
		relay:  relay,
		logger: &l,
	}
}

// Start returns an error when a session cannot be opened or the relay cannot
// be registered. Twin failures are only logged.
func (c *ModuleController) Start(ctx context.Context) error {
	c.logger.Info().Msgf("Module Connection String %s", config.Redact(c.config.ModuleConnectionString))
	c.logger.Info().Msgf("Edge Gateway Connection String %s", config.Redact(c.config.GatewayConnectionString))

	module, err := c.open(ctx, RoleModule, c.config.ModuleConnectionString)
	if err != nil {
		return fmt.Errorf("open module session: %w", err)
	}
	c.track(module)
	c.logger.Info().Msg("IoT Hub module client initialized.")

	gateway, err := c.open(ctx, RoleGateway, c.config.GatewayConnectionString)
	if err != nil {
		c.Close()
		return fmt.Errorf("open gateway session: %w", err)
	}
	c.track(gateway)
	c.logger.Info().Msg("IoT edge gateway device client initialized.")

	c.logger.Info().Msg("Reading and Writing Module Device Twin")
	c.record(c.twins.Sync(ctx, RoleModule, module))
	c.logger.Info().Msg("--------------------------------------")

	c.logger.Info().Msg("Reading and Writing Gateway Device Twin")
	c.record(c.twins.Sync(ctx, RoleGateway, gateway))
	c.logger.Info().Msg("--------------------------------------")

	if err := module.SetInputMessageHandler(c.config.InputName, c.relay.Handle, module); err != nil {
		c.Close()
		return fmt.Errorf("register %s handler: %w", c.config.InputName, err)
	}
	c.logger.Info().Msgf("Piping %s to %s", c.config.InputName, c.config.OutputName)
	return nil
}

// Results returns the twin synchronization results of the last Start.
func (c *ModuleController) Results() []usecase.TwinSyncResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]usecase.TwinSyncResult(nil), c.results...)
}

// Close closes every open session once, most recent first.
func (c *ModuleController) Close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for i := len(sessions) - 1; i >= 0; i-- {
		sessions[i].Close()
	}
}

func (c *ModuleController) track(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
}

func (c *ModuleController) record(r usecase.TwinSyncResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}
