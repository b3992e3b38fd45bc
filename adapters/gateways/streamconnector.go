package gateways

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Go-routine-4595/twinrelay/domain"
	"github.com/Go-routine-4595/twinrelay/service"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamConnector mirrors relayed messages on JetStream and waits for the
// stream ack.
type StreamConnector struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
	srv    service.IService
	prefix string
}

func NewStreamConnector(url, prefix string, l *zerolog.Logger) (*StreamConnector, error) {
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

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream connect failed: %w", err)
	}
	return &StreamConnector{
		logger: logger,
		js:     js,
		nc:     nc,
		srv:    service.NewService(),
		prefix: prefix,
	}, nil
}

func (s *StreamConnector) Mirror(ctx context.Context, output string, msg *domain.Message) error {
	return s.PublishAsyncWithCheck(ctx, toNatsMsg(s.srv.MirrorSubject(s.prefix, output), output, msg))
}

func (s *StreamConnector) PublishAsyncWithCheck(ctx context.Context, msg *nats.Msg) error {
	ack, err := s.js.PublishMsgAsync(msg)
	if err != nil {
		return errors.Join(errors.New("streamconnector failed to publish async"), err)
	}
	select {
	case <-ack.Ok():
	// success
	case err := <-ack.Err():
		return errors.Join(errors.New("streamconnector failed to receive publish ack"), err)
	case <-ctx.Done():
		return errors.New("streamconnector context cancelled")
	}
	return nil
}

func (s *StreamConnector) Close() {
	select {
	case <-s.js.PublishAsyncComplete():
	default:
		s.logger.Warn().Int("pending", s.js.PublishAsyncPending()).Msg("closing with unacknowledged mirror publishes")
	}
	s.nc.Close()
}
