package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Go-routine-4595/twinrelay/domain"
	"github.com/Go-routine-4595/twinrelay/usecase"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("edge session closed")
	ErrTwinStatus    = errors.New("twin request failed")
	ErrNotModule     = errors.New("input handlers require a module identity")
	ErrTimeout       = errors.New("operation timed out")
)

const disconnectQuiesce = 250 // ms

// EdgeConfig holds configuration for one edge hub session
type EdgeConfig struct {
	Descriptor       ConnectionDescriptor
	Port             int
	Keepalive        int
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	TokenTTL         time.Duration
	TLS              *tls.Config
}

// NewEdgeConfig creates a default session configuration
func NewEdgeConfig(desc ConnectionDescriptor, port int) *EdgeConfig {
	return &EdgeConfig{
		Descriptor:       desc,
		Port:             port,
		Keepalive:        60,
		ConnectTimeout:   30 * time.Second,
		OperationTimeout: 30 * time.Second,
		TokenTTL:         time.Hour,
		TLS:              &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

func (c *EdgeConfig) WithTLS(cfg *tls.Config) *EdgeConfig {
	c.TLS = cfg
	return c
}

func (c *EdgeConfig) WithTimeouts(connect, operation time.Duration) *EdgeConfig {
	c.ConnectTimeout = connect
	c.OperationTimeout = operation
	return c
}

func (c *EdgeConfig) WithTokenTTL(ttl time.Duration) *EdgeConfig {
	c.TokenTTL = ttl
	return c
}

func (c *EdgeConfig) WithKeepalive(seconds int) *EdgeConfig {
	c.Keepalive = seconds
	return c
}

// NewTLSConfig returns the transport TLS configuration. With bypass set every
// server certificate is accepted.
func NewTLSConfig(roots *x509.CertPool, bypass bool) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    roots,
	}
	if bypass {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

type inputRegistration struct {
	handler     domain.InputHandler
	userContext any
}

// EdgeClient is one open session with the edge hub: twin requests, events and
// input messages over a single MQTT connection.
type EdgeClient struct {
	config     *EdgeConfig
	client     mqtt.Client
	logger     *zerolog.Logger
	dispatcher usecase.ISubmit
	pending    *pending

	mu       sync.RWMutex
	handlers map[string]inputRegistration

	runCtx    context.Context
	cancel    context.CancelFunc
	opened    atomic.Bool
	closeOnce sync.Once
	now       func() time.Time
}

// NewEdgeClient creates a session. It does not connect until Open is called.
func NewEdgeClient(config *EdgeConfig, l *zerolog.Logger) *EdgeClient {
	c := newEdgeClient(config, l)
	c.setupClient()
	return c
}

func newEdgeClient(config *EdgeConfig, l *zerolog.Logger) *EdgeClient {
	var logger zerolog.Logger

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}
	logger = logger.With().Str("identity", config.Descriptor.Identity()).Logger()

	return &EdgeClient{
		config:   config,
		logger:   &logger,
		pending:  newPending(),
		handlers: make(map[string]inputRegistration),
		now:      time.Now,
	}
}

// WithDispatcher routes input messages through d instead of handling them on
// the transport callback.
func (c *EdgeClient) WithDispatcher(d usecase.ISubmit) *EdgeClient {
	c.dispatcher = d
	return c
}

// setupClient configures the paho client with callbacks and SAS authentication
func (c *EdgeClient) setupClient() {
	desc := c.config.Descriptor

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ssl://%s:%d", desc.BrokerHost(), c.config.Port))
	opts.SetClientID(desc.Identity())
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(false)
	opts.SetKeepAlive(time.Duration(c.config.Keepalive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetConnectRetry(false)
	opts.SetAutoAckDisabled(true)
	// handlers block on the worker queue and on PUBACKs read by the same loop
	opts.SetOrderMatters(false)
	opts.SetTLSConfig(c.config.TLS)

	// a fresh token on every (re)connect
	opts.SetCredentialsProvider(func() (string, string) {
		password, err := desc.Password(c.now(), c.config.TokenTTL)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to build SAS token")
		}
		return desc.Username(), password
	})

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onDisconnect)

	c.client = mqtt.NewClient(opts)
}

// Open connects and subscribes. It returns once the session is usable.
func (c *EdgeClient) Open(ctx context.Context) error {
	c.logger.Info().Msgf("Connecting to edge hub at %s:%d", c.config.Descriptor.BrokerHost(), c.config.Port)

	c.runCtx, c.cancel = context.WithCancel(ctx)

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	if err := waitToken(connectCtx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to edge hub: %w", err)
	}

	if err := c.subscribe(connectCtx); err != nil {
		c.client.Disconnect(disconnectQuiesce)
		return err
	}
	c.opened.Store(true)

	c.logger.Info().Msg("Edge session opened")
	return nil
}

func (c *EdgeClient) subscribe(ctx context.Context) error {
	if err := waitToken(ctx, c.client.Subscribe(twinResponseFilter, 0, c.onTwinResponse)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", twinResponseFilter, err)
	}
	c.logger.Debug().Msgf("Subscribed to %s", twinResponseFilter)

	if !c.config.Descriptor.IsModule() {
		return nil
	}

	filter := c.config.Descriptor.inputsFilter()
	if err := waitToken(ctx, c.client.Subscribe(filter, 1, c.onInput)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	c.logger.Debug().Msgf("Subscribed to %s", filter)
	return nil
}

// onConnect restores subscriptions after an automatic reconnect
func (c *EdgeClient) onConnect(client mqtt.Client) {
	if !c.opened.Load() {
		return
	}
	c.logger.Info().Msg("Reconnected to edge hub")

	ctx, cancel := context.WithTimeout(c.runCtx, c.config.OperationTimeout)
	defer cancel()
	if err := c.subscribe(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to restore subscriptions")
	}
}

// onDisconnect callback for MQTT disconnection
func (c *EdgeClient) onDisconnect(client mqtt.Client, err error) {
	if err != nil {
		c.logger.Warn().Msgf("Unexpected disconnection from edge hub: %v", err)
	} else {
		c.logger.Info().Msg("Disconnected from edge hub")
	}
}

func (c *EdgeClient) onTwinResponse(client mqtt.Client, msg mqtt.Message) {
	defer msg.Ack()

	status, rid, ok := parseTwinResponseTopic(msg.Topic())
	if !ok {
		c.logger.Debug().Msgf("Ignoring twin topic %s", msg.Topic())
		return
	}
	body := append([]byte(nil), msg.Payload()...)
	if !c.pending.resolve(rid, twinResponse{status: status, body: body}) {
		c.logger.Debug().Str("rid", rid).Msg("Twin response without pending request")
	}
}

// onInput runs on its own goroutine per message, so waiting on the dispatcher
// or on an inline send does not stall the read loop.
func (c *EdgeClient) onInput(client mqtt.Client, msg mqtt.Message) {
	input, dm, ok := c.config.Descriptor.parseInputTopic(msg.Topic())
	if !ok {
		c.logger.Warn().Msgf("Unexpected input topic %s", msg.Topic())
		msg.Ack()
		return
	}
	dm.Payload = msg.Payload()

	c.mu.RLock()
	reg, found := c.handlers[input]
	c.mu.RUnlock()

	if !found {
		c.logger.Warn().Str("input", input).Msg("No handler registered for input, message dropped")
		msg.Ack()
		return
	}

	delivery := domain.Delivery{
		Input:       input,
		Message:     dm,
		Handler:     reg.handler,
		UserContext: reg.userContext,
		Ack:         msg.Ack,
	}

	if c.dispatcher == nil {
		resp, err := reg.handler(c.runCtx, dm, reg.userContext)
		if err != nil {
			c.logger.Error().Err(err).Str("input", input).Msg("Input handler failed")
			return
		}
		if resp == domain.Completed {
			msg.Ack()
		}
		return
	}

	if err := c.dispatcher.Submit(c.runCtx, delivery); err != nil {
		c.logger.Error().Err(err).Str("input", input).Msg("Failed to dispatch input message")
	}
}

// SetInputMessageHandler registers handler for messages on input. userContext
// is passed back to every invocation.
func (c *EdgeClient) SetInputMessageHandler(input string, handler domain.InputHandler, userContext any) error {
	if !c.config.Descriptor.IsModule() {
		return ErrNotModule
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if handler == nil {
		delete(c.handlers, input)
		return nil
	}
	c.handlers[input] = inputRegistration{handler: handler, userContext: userContext}
	c.logger.Info().Str("input", input).Msg("Input message handler registered")
	return nil
}

// GetTwin fetches the full twin document.
func (c *EdgeClient) GetTwin(ctx context.Context) (*domain.Twin, error) {
	rid := uuid.NewString()

	resp, err := c.request(ctx, twinGetTopic+rid, rid, []byte{})
	if err != nil {
		return nil, fmt.Errorf("get twin: %w", err)
	}
	if resp.status != 200 {
		return nil, fmt.Errorf("%w: get twin status %d: %s", ErrTwinStatus, resp.status, resp.body)
	}

	twin := &domain.Twin{}
	if err := json.Unmarshal(resp.body, twin); err != nil {
		return nil, fmt.Errorf("decode twin: %w", err)
	}
	return twin, nil
}

// UpdateReportedProperties sends patch as a partial update of the reported
// properties.
func (c *EdgeClient) UpdateReportedProperties(ctx context.Context, patch domain.TwinCollection) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode reported properties: %w", err)
	}

	rid := uuid.NewString()
	resp, err := c.request(ctx, twinPatchTopic+rid, rid, body)
	if err != nil {
		return fmt.Errorf("update reported properties: %w", err)
	}
	if resp.status != 200 && resp.status != 204 {
		return fmt.Errorf("%w: update reported properties status %d: %s", ErrTwinStatus, resp.status, resp.body)
	}
	return nil
}

func (c *EdgeClient) request(ctx context.Context, topic, rid string, payload []byte) (twinResponse, error) {
	ch, err := c.pending.add(rid)
	if err != nil {
		return twinResponse{}, err
	}
	defer c.pending.remove(rid)

	ctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()

	if err := waitToken(ctx, c.client.Publish(topic, 0, false, payload)); err != nil {
		return twinResponse{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return twinResponse{}, ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		return twinResponse{}, ctxErr(ctx)
	}
}

// SendEvent publishes msg on the named output and waits for the broker ack.
func (c *EdgeClient) SendEvent(ctx context.Context, output string, msg *domain.Message) error {
	topic := c.config.Descriptor.outputTopic(output, msg)

	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()

	if err := waitToken(ctx, c.client.Publish(topic, 1, false, payload)); err != nil {
		c.logger.Warn().Msgf("Failed to publish to %s: %v", output, err)
		return fmt.Errorf("send event to %s: %w", output, err)
	}

	c.logger.Debug().Msgf("Published event to %s", output)
	return nil
}

func (c *EdgeClient) IsConnected() bool {
	return c.client.IsConnected()
}

// Close gracefully stops the session. Outstanding twin requests fail with
// ErrSessionClosed.
func (c *EdgeClient) Close() {
	c.closeOnce.Do(func() {
		c.logger.Info().Msg("Closing edge session...")
		if c.cancel != nil {
			c.cancel()
		}
		c.pending.closeAll()
		c.client.Disconnect(disconnectQuiesce)
	})
}

func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
