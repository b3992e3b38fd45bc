package mqtt

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// pendingToken never completes.
func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte

	mu    sync.Mutex
	acked int
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return m.qos }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
}

func (m *fakeMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient is an in-memory paho client. onPublish plays the role of the
// edge hub and may answer through deliver.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	subs       map[string]mqtt.MessageHandler
	published  []published
	onPublish  func(topic string, payload []byte)
	publishTok func(topic string) mqtt.Token
	disconnect int
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr == nil {
		f.connected = true
	}
	return newFakeToken(f.connectErr)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnect++
}

func (f *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	b, _ := payload.([]byte)

	f.mu.Lock()
	f.published = append(f.published, published{topic: topic, qos: qos, payload: b})
	hook := f.onPublish
	tok := f.publishTok
	f.mu.Unlock()

	if tok != nil {
		return tok(topic)
	}
	if hook != nil {
		go hook(topic, b)
	}
	return newFakeToken(nil)
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = cb
	return newFakeToken(nil)
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	for t, q := range filters {
		f.Subscribe(t, q, cb)
	}
	return newFakeToken(nil)
}

func (f *fakeClient) Unsubscribe(...string) mqtt.Token     { return newFakeToken(nil) }
func (f *fakeClient) AddRoute(string, mqtt.MessageHandler) {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver routes msg to the subscription whose filter matches its topic.
func (f *fakeClient) deliver(msg *fakeMessage) bool {
	f.mu.Lock()
	var cb mqtt.MessageHandler
	for filter, h := range f.subs {
		if strings.HasSuffix(filter, "#") && strings.HasPrefix(msg.topic, strings.TrimSuffix(filter, "#")) {
			cb = h
			break
		}
	}
	f.mu.Unlock()

	if cb == nil {
		return false
	}
	cb(f, msg)
	return true
}

func (f *fakeClient) publishedTo(prefix string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []published
	for _, p := range f.published {
		if strings.HasPrefix(p.topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}
