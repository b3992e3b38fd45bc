package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Go-routine-4595/twinrelay/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	output string
	msg    *domain.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (f *fakeSender) SendEvent(_ context.Context, output string, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentEvent{output: output, msg: msg})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeMirror struct {
	mu      sync.Mutex
	outputs []string
	err     error
}

func (f *fakeMirror) Mirror(_ context.Context, output string, _ *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, output)
	return f.err
}

func newTestRelay() *MessageRelay {
	l := zerolog.Nop()
	return NewMessageRelay("output1", &l)
}

func TestRelayForwardsUnchanged(t *testing.T) {
	r := newTestRelay()
	sender := &fakeSender{}

	in := domain.NewMessage([]byte("hello"))
	in.Set("contentType", "text/plain")
	before := r.Count()

	resp, err := r.Handle(context.Background(), in, sender)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, resp)
	assert.Equal(t, before+1, r.Count())

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "output1", sender.sent[0].output)
	assert.Equal(t, []byte("hello"), sender.sent[0].msg.Payload)
	assert.Equal(t, []domain.Property{{Key: "contentType", Value: "text/plain"}}, sender.sent[0].msg.Properties)
	assert.Empty(t, sender.sent[0].msg.System.MessageID)
}

func TestRelayKeepsRawBytes(t *testing.T) {
	r := newTestRelay()
	sender := &fakeSender{}

	raw := []byte{0xc3, 0x28, 0xff, 'a'} // not valid UTF-8
	in := domain.NewMessage(raw)
	in.Set("b", "2")
	in.Set("a", "1")

	_, err := r.Handle(context.Background(), in, sender)
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, raw, sender.sent[0].msg.Payload)
	assert.Equal(t, in.Properties, sender.sent[0].msg.Properties)
}

func TestRelaySkipsEmptyPayload(t *testing.T) {
	r := newTestRelay()
	sender := &fakeSender{}

	resp, err := r.Handle(context.Background(), domain.NewMessage(nil), sender)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, resp)
	assert.Equal(t, 0, sender.count())
	assert.Equal(t, int64(1), r.Count())
}

func TestRelayUnexpectedContext(t *testing.T) {
	r := newTestRelay()

	_, err := r.Handle(context.Background(), domain.NewMessage([]byte("x")), "not a session")
	assert.ErrorIs(t, err, domain.ErrUnexpectedContext)

	_, err = r.Handle(context.Background(), domain.NewMessage([]byte("x")), nil)
	assert.ErrorIs(t, err, domain.ErrUnexpectedContext)
	assert.Equal(t, int64(2), r.Count())
}

func TestRelaySendError(t *testing.T) {
	r := newTestRelay()
	sender := &fakeSender{err: errors.New("broker gone")}

	resp, err := r.Handle(context.Background(), domain.NewMessage([]byte("x")), sender)
	assert.ErrorContains(t, err, "broker gone")
	assert.Equal(t, domain.Abandoned, resp)
}

func TestRelayMirror(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("nats down")}
	r := newTestRelay().WithMirror(mirror)
	sender := &fakeSender{}

	resp, err := r.Handle(context.Background(), domain.NewMessage([]byte("x")), sender)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, resp)
	assert.Equal(t, []string{"output1"}, mirror.outputs)

	// nothing is mirrored when nothing is forwarded
	_, err = r.Handle(context.Background(), domain.NewMessage(nil), sender)
	require.NoError(t, err)
	assert.Len(t, mirror.outputs, 1)
}

func TestRelayCounterConcurrent(t *testing.T) {
	r := newTestRelay()
	sender := &fakeSender{}
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Handle(context.Background(), domain.NewMessage([]byte("m")), sender)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), r.Count())
	assert.Equal(t, n, sender.count())
}
