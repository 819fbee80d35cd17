package mqtt

import (
	"context"
	"sync"
)

type publishedMessage struct {
	topic   string
	payload []byte
}

// fakeTransport records publishes and lets tests deliver messages.
type fakeTransport struct {
	mu        sync.Mutex
	subs      map[string]func(string, []byte)
	published []publishedMessage
	onPublish func(topic string, payload []byte)
	pubErr    error
	subErr    map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:   make(map[string]func(string, []byte)),
		subErr: make(map[string]error),
	}
}

func (f *fakeTransport) PublishContext(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.pubErr != nil {
		err := f.pubErr
		f.mu.Unlock()
		return err
	}
	f.published = append(f.published, publishedMessage{topic: topic, payload: payload})
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.subErr[topic]; err != nil {
		return err
	}
	f.subs[topic] = handler
	return nil
}

// deliver invokes the handler subscribed to pattern with a concrete topic.
func (f *fakeTransport) deliver(pattern, topic string, payload []byte) bool {
	f.mu.Lock()
	h, ok := f.subs[pattern]
	f.mu.Unlock()
	if ok {
		h(topic, payload)
	}
	return ok
}

func (f *fakeTransport) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}
