// Package hub fans telemetry snapshots out to connected viewer sessions.
//
// The session set is owned by the goroutine running Hub.Run and is only
// touched through channels, so registration, removal and fan-out never
// contend on a lock. Each snapshot is wrapped in a codec.Frame, so a
// snapshot is encoded at most once per wire format no matter how many
// sessions receive it.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/metorial/aegis/internal/codec"
	"github.com/metorial/aegis/internal/models"
)

var (
	// ErrBacklog closes a session whose outbound queue is full.
	ErrBacklog = errors.New("session backlog exceeded")
	// ErrClosed is returned by operations on a stopped hub and is the
	// close reason of sessions still registered when it stops.
	ErrClosed          = errors.New("hub closed")
	ErrTooManySessions = errors.New("too many sessions")
)

const defaultPublishBuffer = 16

type Options struct {
	// MaxSessions caps concurrent sessions; 0 means unlimited.
	MaxSessions int
	// PublishBuffer is the number of snapshots that may wait for the
	// registry goroutine before Publish starts dropping.
	PublishBuffer int
}

type Hub struct {
	logger      *slog.Logger
	maxSessions int

	register   chan registration
	unregister chan unregistration
	publish    chan *codec.Frame
	count      chan chan int
	done       chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

type registration struct {
	session *Session
	reply   chan error
}

type unregistration struct {
	session *Session
	done    chan struct{}
}

func New(logger *slog.Logger, opts Options) *Hub {
	if opts.PublishBuffer <= 0 {
		opts.PublishBuffer = defaultPublishBuffer
	}
	return &Hub{
		logger:      logger.With("component", "hub"),
		maxSessions: opts.MaxSessions,
		register:    make(chan registration),
		unregister:  make(chan unregistration),
		publish:     make(chan *codec.Frame, opts.PublishBuffer),
		count:       make(chan chan int),
		done:        make(chan struct{}),
	}
}

// Run owns the session registry until ctx is cancelled. Sessions still
// registered at that point are closed with ErrClosed.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	sessions := make(map[*Session]struct{})
	var latest *codec.Frame

	deliver := func(s *Session, frame *codec.Frame) {
		if s.enqueue(frame) {
			return
		}
		delete(sessions, s)
		h.evicted.Add(1)
		h.logger.Warn("Evicting slow session", "session", s.ID(), "remote", s.RemoteAddr())
		// Close unregisters synchronously, which needs this goroutine.
		go s.Close(ErrBacklog)
	}

	for {
		select {
		case <-ctx.Done():
			for s := range sessions {
				go s.Close(ErrClosed)
			}
			h.logger.Info("Hub stopped", "sessions", len(sessions))
			return nil

		case r := <-h.register:
			if h.maxSessions > 0 && len(sessions) >= h.maxSessions {
				r.reply <- ErrTooManySessions
				continue
			}
			sessions[r.session] = struct{}{}
			r.reply <- nil
			h.logger.Debug("Session registered", "session", r.session.ID(), "sessions", len(sessions))
			if latest != nil {
				deliver(r.session, latest)
			}

		case u := <-h.unregister:
			if _, ok := sessions[u.session]; ok {
				delete(sessions, u.session)
				h.logger.Debug("Session unregistered", "session", u.session.ID(), "sessions", len(sessions))
			}
			close(u.done)

		case frame := <-h.publish:
			latest = frame
			for s := range sessions {
				deliver(s, frame)
			}

		case reply := <-h.count:
			reply <- len(sessions)
		}
	}
}

// Register adds s to the registry. The latest snapshot, if any, is queued
// to s immediately.
func (h *Hub) Register(s *Session) error {
	reply := make(chan error, 1)
	select {
	case h.register <- registration{session: s, reply: reply}:
		return <-reply
	case <-h.done:
		return ErrClosed
	}
}

// Unregister removes s and returns once the registry no longer references
// it, or once the hub has stopped. Unregistering an unknown session is a
// no-op.
func (h *Hub) Unregister(s *Session) {
	u := unregistration{session: s, done: make(chan struct{})}
	select {
	case h.unregister <- u:
		select {
		case <-u.done:
		case <-h.done:
		}
	case <-h.done:
	}
}

// Publish hands snap to the registry goroutine without blocking. When the
// registry is behind by more than the publish buffer the snapshot is
// dropped; sessions then see a gap but never reordering.
func (h *Hub) Publish(snap *models.Snapshot) {
	select {
	case h.publish <- codec.NewFrame(snap):
		h.published.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("Hub behind, dropping snapshot")
	}
}

// Sessions returns the number of registered sessions.
func (h *Hub) Sessions() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

type Stats struct {
	Sessions  int    `json:"sessions"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Evicted   uint64 `json:"evicted"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Sessions:  h.Sessions(),
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
		Evicted:   h.evicted.Load(),
	}
}
