// Package feed tells live views that a user's events changed.
//
// Subscribers register a callback for a set of users. Publishing for any of
// those users schedules the callback; while one run is pending further
// publishes are folded into it, so a slow subscriber only ever sees the
// latest state.
package feed

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"gitea.jw6.us/james/calsync/internal/store"
)

type subscription struct {
	users   map[int64]struct{}
	pending chan struct{}
	done    chan struct{}
	fn      func()
}

// Hub fans change signals out to subscriptions.
type Hub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscription)}
}

// Subscribe runs fn once right away and again after every publish touching
// userID or one of memberIDs. fn never runs concurrently with itself. The
// returned func unsubscribes and waits for a running fn to finish; it must
// not be called from inside fn.
func (h *Hub) Subscribe(userID int64, memberIDs []int64, fn func()) (unsubscribe func()) {
	s := &subscription{
		users:   map[int64]struct{}{userID: {}},
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
		fn:      fn,
	}
	for _, id := range memberIDs {
		s.users[id] = struct{}{}
	}
	s.pending <- struct{}{}

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = s
	h.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-s.done:
				return
			case <-s.pending:
				select {
				case <-s.done:
					return
				default:
				}
				s.fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.done)
			<-finished
		})
	}
}

// Publish signals every subscription watching any of userIDs.
func (h *Hub) Publish(userIDs ...int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if !s.watches(userIDs) {
			continue
		}
		select {
		case s.pending <- struct{}{}:
		default:
		}
	}
}

func (s *subscription) watches(userIDs []int64) bool {
	for _, id := range userIDs {
		if _, ok := s.users[id]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// notifier is the part of *pgx.Conn that Listen consumes.
type notifier interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Listen relays PostgreSQL notifications on store.EventsChannel to h until
// ctx is done. A lost connection is re-established with capped backoff.
func Listen(ctx context.Context, pool *pgxpool.Pool, h *Hub, log logrus.FieldLogger) error {
	b := retry.WithCappedDuration(30*time.Second, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := listenOnce(ctx, pool, h, log)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("event listener disconnected; reconnecting")
		return retry.RetryableError(err)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func listenOnce(ctx context.Context, pool *pgxpool.Pool, h *Hub, log logrus.FieldLogger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+store.EventsChannel); err != nil {
		return err
	}
	log.WithField("channel", store.EventsChannel).Info("listening for event changes")
	return consume(ctx, conn.Conn(), h, log)
}

func consume(ctx context.Context, n notifier, h *Hub, log logrus.FieldLogger) error {
	for {
		note, err := n.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		userID, err := strconv.ParseInt(note.Payload, 10, 64)
		if err != nil {
			log.WithField("payload", note.Payload).Warn("ignoring malformed event notification")
			continue
		}
		h.Publish(userID)
	}
}
