package gateways

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Go-routine-4595/twinrelay/domain"
	"github.com/Go-routine-4595/twinrelay/service"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// nats connection string example
// "nats://localhost:4222"

const (
	messageBatchSize    = 100
	messageBatchTimeout = time.Millisecond * 250

	// OutputHeader carries the edge output name of a mirrored message.
	OutputHeader = "Edge-Output"
)

// NatsConnector mirrors relayed messages on core NATS.
type NatsConnector struct {
	nats   *nats.Conn
	logger zerolog.Logger
	srv    service.IService
	prefix string

	mu            sync.Mutex
	batchSize     int
	lastBatchTime time.Time
}

func NewNatsConnector(url, prefix string, l *zerolog.Logger) (*NatsConnector, error) {
	var (
		logger zerolog.Logger
	)

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}

	nc, err := nats.Connect(url, nats.Name("twinrelay-mirror"))
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}

	return &NatsConnector{
		logger:        logger,
		nats:          nc,
		srv:           service.NewService(),
		prefix:        prefix,
		lastBatchTime: time.Now(),
	}, nil
}

func (n *NatsConnector) Mirror(_ context.Context, output string, msg *domain.Message) error {
	return n.Publish(toNatsMsg(n.srv.MirrorSubject(n.prefix, output), output, msg))
}

func (n *NatsConnector) Publish(msg *nats.Msg) error {
	err := n.nats.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("nats publish failed: %w", err)
	}

	n.mu.Lock()
	n.batchSize += 1
	n.mu.Unlock()

	return n.Flush()
}

// Flush flushes once a batch is full or the batch timeout elapsed.
func (n *NatsConnector) Flush() error {
	n.mu.Lock()
	if n.batchSize < messageBatchSize && time.Since(n.lastBatchTime) < messageBatchTimeout {
		n.mu.Unlock()
		return nil
	}
	n.batchSize = 0
	n.lastBatchTime = time.Now()
	n.mu.Unlock()

	if err := n.nats.Flush(); err != nil {
		return fmt.Errorf("nats flush failed: %w", err)
	}
	return nil
}

func (n *NatsConnector) Close() {
	if err := n.nats.Flush(); err != nil {
		n.logger.Error().Err(err).Msg("nats flush failed on exiting")
	}
	n.nats.Close()
}

// toNatsMsg carries the application properties as headers.
func toNatsMsg(subject, output string, msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Payload
	m.Header.Set(OutputHeader, output)
	for _, p := range msg.Properties {
		m.Header.Add(p.Key, p.Value)
	}
	return m
}
