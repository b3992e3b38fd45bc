package usecase

import (
	"context"

	"github.com/Go-routine-4595/twinrelay/domain"
	"github.com/rs/zerolog"
)

// ISubmit queues an inbound delivery for handling.
type ISubmit interface {
	Submit(ctx context.Context, d domain.Delivery) error
}

type TwinSession interface {
	GetTwin(ctx context.Context) (*domain.Twin, error)
	UpdateReportedProperties(ctx context.Context, patch domain.TwinCollection) error
}

type EventSender interface {
	SendEvent(ctx context.Context, output string, msg *domain.Message) error
}

// Mirror republishes relayed messages outside the edge hub.
type Mirror interface {
	Mirror(ctx context.Context, output string, msg *domain.Message) error
}

func logBracketedError(logger *zerolog.Logger, err error) {
	logger.Error().Msg("--- ERROR ---")
	logger.Error().Err(err).Send()
	logger.Error().Msg("--- ERROR ---")
}
