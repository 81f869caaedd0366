package invalidation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/givebridge/accessd/pkg/observability"
)

// Token orders invalidations. Larger tokens were issued later.
type Token uint64

// Signal tells cache owners that RBAC state changed
type Signal struct {
	Token  Token     `json:"token"`
	Reason string    `json:"reason"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Issuer hands out invalidation tokens
type Issuer interface {
	Next(ctx context.Context) (Token, error)
}

// Publisher forwards a locally raised signal to other processes
type Publisher interface {
	Publish(ctx context.Context, sig Signal) error
}

// Bus is the in-process broadcast point for invalidation signals. Local
// subscribers are invoked synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	last   Token

	issuer    Issuer
	local     localIssuer
	publisher Publisher
	origin    string
	logger    logrus.FieldLogger
	metrics   *observability.Metrics
	now       func() time.Time
}

type subscription struct {
	id uint64
	fn func(Signal)
}

// Option configures a Bus
type Option func(*Bus)

// WithIssuer sets a shared token issuer. Without one tokens come from a process-local counter.
func WithIssuer(issuer Issuer) Option {
	return func(b *Bus) { b.issuer = issuer }
}

// WithPublisher relays broadcasts to other processes
func WithPublisher(p Publisher) Option {
	return func(b *Bus) { b.publisher = p }
}

// WithOrigin names this process in emitted signals
func WithOrigin(origin string) Option {
	return func(b *Bus) { b.origin = origin }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics records invalidation counters
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		origin: "local",
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for every delivered signal and returns its unsubscribe function
func (b *Bus) Subscribe(fn func(Signal)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Channel returns a buffered channel of signals for streaming consumers.
// Delivery never blocks the bus: when the buffer is full the signal is
// dropped. The returned function unsubscribes and closes the channel.
func (b *Bus) Channel(buffer int) (<-chan Signal, func()) {
	ch := make(chan Signal, buffer)
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(sig Signal) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- sig:
		default:
			b.logger.WithField("token", sig.Token).Debug("Dropping invalidation for slow channel consumer")
		}
	})

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Broadcast issues a new token, delivers the signal to local subscribers and
// relays it. Local delivery always happens; a relay or issuer failure is
// returned after it.
func (b *Bus) Broadcast(ctx context.Context, reason string) (Signal, error) {
	var issueErr error
	token, err := b.nextToken(ctx)
	if err != nil {
		issueErr = fmt.Errorf("failed to issue invalidation token: %w", err)
		token = b.fallbackToken(err)
	}

	sig := Signal{
		Token:  token,
		Reason: reason,
		Origin: b.origin,
		At:     b.now().UTC(),
	}
	b.observe(token)
	b.dispatch(sig)
	b.count("local")

	if issueErr != nil || b.publisher == nil {
		return sig, issueErr
	}
	if err := b.publisher.Publish(ctx, sig); err != nil {
		return sig, fmt.Errorf("failed to relay invalidation %d: %w", token, err)
	}
	return sig, nil
}

// Deliver applies a signal that originated elsewhere. It is dropped unless its
// token is newer than the last one observed, and reports whether it was applied.
func (b *Bus) Deliver(sig Signal) bool {
	b.mu.Lock()
	if sig.Token <= b.last {
		b.mu.Unlock()
		return false
	}
	b.last = sig.Token
	b.mu.Unlock()

	b.setTokenGauge(sig.Token)
	b.dispatch(sig)
	b.count("remote")
	return true
}

// LastToken returns the newest token this bus has observed
func (b *Bus) LastToken() Token {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

func (b *Bus) nextToken(ctx context.Context) (Token, error) {
	if b.issuer == nil {
		return b.local.next(b.LastToken()), nil
	}
	return b.issuer.Next(ctx)
}

// fallbackToken keeps local ordering when the shared issuer is unreachable.
// The token is never relayed, and a peer may later issue the same value from
// the shared counter. Deliver drops that peer signal as already seen, so this
// process serves the stale entries it covered until the resolver TTL expires.
func (b *Bus) fallbackToken(cause error) Token {
	token := b.local.next(b.LastToken())
	b.logger.WithError(cause).WithField("token", token).
		Warn("Invalidation issuer unavailable, using local token; peer signals up to this token will be ignored")
	return token
}

func (b *Bus) observe(token Token) {
	b.mu.Lock()
	if token > b.last {
		b.last = token
	}
	b.mu.Unlock()
	b.setTokenGauge(token)
}

func (b *Bus) dispatch(sig Signal) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.call(s, sig)
	}
	b.logger.WithFields(logrus.Fields{
		"token":  sig.Token,
		"reason": sig.Reason,
		"origin": sig.Origin,
	}).Debug("Delivered invalidation")
}

// call runs one subscriber; a panic is logged and the remaining subscribers still run
func (b *Bus) call(s subscription, sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithError(observability.PanicError(r)).
				WithField("token", sig.Token).
				Error("Invalidation subscriber panicked")
		}
	}()
	s.fn(sig)
}

func (b *Bus) count(origin string) {
	if b.metrics != nil {
		b.metrics.InvalidationsTotal.WithLabelValues(origin).Inc()
	}
}

func (b *Bus) setTokenGauge(t Token) {
	if b.metrics != nil {
		b.metrics.InvalidationToken.Set(float64(t))
	}
}

// localIssuer is a process-local monotonic counter
type localIssuer struct {
	n atomic.Uint64
}

func (l *localIssuer) next(floor Token) Token {
	for {
		cur := l.n.Load()
		next := cur + 1
		if next <= uint64(floor) {
			next = uint64(floor) + 1
		}
		if l.n.CompareAndSwap(cur, next) {
			return Token(next)
		}
	}
}

// String renders the token for logs and headers
func (t Token) String() string {
	return strconv.FormatUint(uint64(t), 10)
}
