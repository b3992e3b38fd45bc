package domain

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
)

// ErrUnexpectedContext is returned by an input handler when the user context
// registered with it is not the session type it needs.
var ErrUnexpectedContext = errors.New("user context doesn't contain expected values")

type MessageResponse int

const (
	Abandoned MessageResponse = iota
	Completed
)

func (r MessageResponse) String() string {
	if r == Completed {
		return "completed"
	}
	return "abandoned"
}

type Property struct {
	Key   string
	Value string
}

// SystemProperties are the transport level properties of a message. They are
// never copied when a message is piped to an output.
type SystemProperties struct {
	MessageID          string
	CorrelationID      string
	ContentType        string
	ContentEncoding    string
	ConnectionDeviceID string
	ConnectionModuleID string
	InputName          string
}

type Message struct {
	Payload    []byte
	Properties []Property
	System     SystemProperties
}

func NewMessage(payload []byte) *Message {
	return &Message{Payload: payload}
}

// Get returns the value of an application property.
func (m *Message) Get(key string) (string, bool) {
	for _, p := range m.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Set adds or replaces an application property, keeping insertion order.
func (m *Message) Set(key, value string) {
	for i := range m.Properties {
		if m.Properties[i].Key == key {
			m.Properties[i].Value = value
			return
		}
	}
	m.Properties = append(m.Properties, Property{Key: key, Value: value})
}

// TwinCollection is one side (desired or reported) of a twin document.
type TwinCollection map[string]any

// Version returns the "$version" metadata of the collection, or 0.
func (c TwinCollection) Version() int64 {
	switch v := c["$version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func (c TwinCollection) ToJSON() string {
	if c == nil {
		return "{}"
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

type Twin struct {
	Desired  TwinCollection `json:"desired"`
	Reported TwinCollection `json:"reported"`
}

// InputHandler is invoked once per message received on an input channel.
type InputHandler func(ctx context.Context, msg *Message, userContext any) (MessageResponse, error)

// Delivery is one inbound message waiting to be handled.
type Delivery struct {
	Input       string
	Message     *Message
	Handler     InputHandler
	UserContext any
	Ack         func()
}
