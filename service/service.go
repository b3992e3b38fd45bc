package service

import (
	"strings"

	"github.com/Go-routine-4595/twinrelay/domain"
)

type IService interface {
	PipeMessage(msg *domain.Message) *domain.Message
	MirrorSubject(prefix, output string) string
}

type Service struct {
}

func NewService() *Service {
	return &Service{}
}

// PipeMessage builds the outbound copy of msg: the same raw bytes and every
// application property in the same order. System properties are not copied.
func (s *Service) PipeMessage(msg *domain.Message) *domain.Message {
	out := &domain.Message{
		Payload: append([]byte(nil), msg.Payload...),
	}
	if len(msg.Properties) > 0 {
		out.Properties = make([]domain.Property, len(msg.Properties))
		copy(out.Properties, msg.Properties)
	}
	return out
}

// MirrorSubject maps an output name onto a single NATS subject token.
func (s *Service) MirrorSubject(prefix, output string) string {
	var subject string = "unknown"

	if output != "" {
		subject = strings.Map(func(r rune) rune {
			switch r {
			case '.', '*', '>', ' ', '\t':
				return '_'
			}
			return r
		}, output)
	}
	return prefix + subject
}
