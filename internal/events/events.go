// Package events is a small typed pub/sub used to expose relay signals
// (connection state, connection errors) to anyone who wants to observe them.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	replay       int
	bufferSize   int
	syncDelivery bool
	logger       *slog.Logger
}

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithReplay keeps the last n events per topic and hands them to
// subscribers that ask for replay.
func WithReplay(n int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.replay = n
	}
}

// WithLogger sets a structured logger for handler errors
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

// WithSyncDelivery delivers events inline on the event loop goroutine, so
// handlers see events of a Subject one at a time and in emission order.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

type event struct {
	topic   string
	message any
}

// Subscription is a handler registered on one topic.
type Subscription struct {
	ID    string
	Topic string

	subject *Subject
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.subject == nil {
		return
	}
	s.subject.remove(s.Topic, s.ID)
}

// Subject fans events out to topic subscribers from a single loop goroutine.
type Subject struct {
	mu     sync.RWMutex
	subs   map[string]map[string]HandlerFunc
	recent map[string][]any

	nextID atomic.Int64
	events chan event
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	config subjectConfig
}

// NewSubject creates a new Subject with optional configuration.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 128}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		subs:   make(map[string]map[string]HandlerFunc),
		recent: make(map[string][]any),
		events: make(chan event, cfg.bufferSize),
		done:   make(chan struct{}),
		config: cfg,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Emit publishes value on topic. It fails if the Subject is closed or its
// buffer stays full for five seconds.
func Emit[T any](s *Subject, topic string, value T) error {
	if s == nil || s.closed.Load() {
		return fmt.Errorf("emit %s: subject closed", topic)
	}
	select {
	case s.events <- event{topic: topic, message: value}:
		return nil
	case <-s.done:
		return fmt.Errorf("emit %s: subject closed", topic)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emit %s: buffer full", topic)
	}
}

// Subscribe registers a typed handler on topic. With replay set, the last
// cached events of the topic are delivered before any new one.
func Subscribe[T any](s *Subject, topic string, handler func(context.Context, T) error, replay ...bool) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
		}
		return handler(ctx, typed)
	})

	sub := Subscription{
		ID:      fmt.Sprintf("%s-%d", topic, s.nextID.Add(1)),
		Topic:   topic,
		subject: s,
	}

	s.mu.Lock()
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[string]HandlerFunc)
	}
	s.subs[topic][sub.ID] = wrapped
	var backlog []any
	if len(replay) > 0 && replay[0] {
		backlog = append(backlog, s.recent[topic]...)
	}
	s.mu.Unlock()

	for _, msg := range backlog {
		s.deliver(topic, sub.ID, wrapped, msg, true)
	}
	return sub
}

// Complete shuts down the Subject. Idempotent.
func Complete(s *Subject) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
	}
}

func (s *Subject) remove(topic, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if topicSubs, ok := s.subs[topic]; ok {
		delete(topicSubs, id)
		if len(topicSubs) == 0 {
			delete(s.subs, topic)
		}
	}
}

func (s *Subject) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.events:
			s.mu.Lock()
			if s.config.replay > 0 {
				cached := append(s.recent[evt.topic], evt.message)
				if len(cached) > s.config.replay {
					cached = cached[len(cached)-s.config.replay:]
				}
				s.recent[evt.topic] = cached
			}
			handlers := make(map[string]HandlerFunc, len(s.subs[evt.topic]))
			for id, h := range s.subs[evt.topic] {
				handlers[id] = h
			}
			s.mu.Unlock()

			for id, h := range handlers {
				s.deliver(evt.topic, id, h, evt.message, s.config.syncDelivery)
			}
		}
	}
}

func (s *Subject) deliver(topic, id string, h HandlerFunc, msg any, sync bool) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h(ctx, msg); err != nil && s.config.logger != nil {
			s.config.logger.Debug("event handler error",
				"topic", topic,
				"subscription_id", id,
				"error", err)
		}
	}
	if sync {
		run()
		return
	}
	go run()
}
