package usecase

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/Go-routine-4595/twinrelay/domain"
	"github.com/Go-routine-4595/twinrelay/service"

	"github.com/rs/zerolog"
)

// MessageRelay pipes every message of an input, unchanged, to an output of
// the same session.
type MessageRelay struct {
	counter atomic.Int64
	output  string
	srv     service.IService
	mirror  Mirror
	logger  zerolog.Logger
}

func NewMessageRelay(output string, l *zerolog.Logger) *MessageRelay {
	var logger zerolog.Logger

	if l == nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = *l
	}

	return &MessageRelay{
		output: output,
		srv:    service.NewService(),
		logger: logger,
	}
}

func (r *MessageRelay) WithMirror(m Mirror) *MessageRelay {
	r.mirror = m
	return r
}

// Count is the number of messages received so far.
func (r *MessageRelay) Count() int64 {
	return r.counter.Load()
}

// Handle is a domain.InputHandler. userContext must be the session the
// message arrived on.
func (r *MessageRelay) Handle(ctx context.Context, msg *domain.Message, userContext any) (domain.MessageResponse, error) {
	counterValue := r.counter.Add(1)

	sender, ok := userContext.(EventSender)
	if !ok {
		return domain.Abandoned, fmt.Errorf("%w: got %T", domain.ErrUnexpectedContext, userContext)
	}

	// text is for the log only, the raw bytes are forwarded
	messageString := string(msg.Payload)
	r.logger.Info().Int64("counter", counterValue).Msgf("Received message: %d, Body: [%s]", counterValue, messageString)

	if len(messageString) == 0 {
		return domain.Completed, nil
	}

	pipeMessage := r.srv.PipeMessage(msg)
	if err := sender.SendEvent(ctx, r.output, pipeMessage); err != nil {
		return domain.Abandoned, fmt.Errorf("relay message %d: %w", counterValue, err)
	}
	r.logger.Info().Int64("counter", counterValue).Msg("Received message sent")

	if r.mirror != nil {
		if err := r.mirror.Mirror(ctx, r.output, pipeMessage); err != nil {
			r.logger.Warn().Err(err).Int64("counter", counterValue).Msg("Failed to mirror relayed message")
		}
	}

	return domain.Completed, nil
}
