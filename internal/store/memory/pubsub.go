package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// PubSub is an in-process broker with the same contract as the Redis
// PubSub: every subscriber of a channel receives every message published
// after it subscribed. Slow subscribers lose messages instead of blocking
// publishers.
type PubSub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan []byte
}

func NewPubSub() *PubSub {
	return &PubSub{subs: make(map[string]map[int]chan []byte)}
}

func (ps *PubSub) Publish(_ context.Context, channel string, payload []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, ch := range ps.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
			log.Warn().Str("channel", channel).Msg("memory.PubSub: subscriber buffer full, message dropped")
		}
	}
	return nil
}

// Subscribe returns a channel of messages and a cleanup func. The message
// channel is closed after cleanup or when ctx is done.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)

	ps.mu.Lock()
	id := ps.nextID
	ps.nextID++
	if ps.subs[channel] == nil {
		ps.subs[channel] = make(map[int]chan []byte)
	}
	ps.subs[channel][id] = ch
	ps.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			ps.mu.Lock()
			delete(ps.subs[channel], id)
			if len(ps.subs[channel]) == 0 {
				delete(ps.subs, channel)
			}
			ps.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return ch, cleanup, nil
}

func (ps *PubSub) Close() error { return nil }
