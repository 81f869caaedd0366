package invalidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIssuer struct {
	tokens []Token
	err    error
}

func (s *stubIssuer) Next(ctx context.Context) (Token, error) {
	if s.err != nil {
		return 0, s.err
	}
	t := s.tokens[0]
	s.tokens = s.tokens[1:]
	return t, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []Signal
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, sig Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sig)
	return p.err
}

func TestBus_BroadcastDeliversToSubscribersInOrder(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(func(sig Signal) { got = append(got, "first:"+sig.Reason) })
	bus.Subscribe(func(sig Signal) { got = append(got, "second:"+sig.Reason) })

	sig, err := bus.Broadcast(context.Background(), "role updated")
	require.NoError(t, err)

	assert.Equal(t, Token(1), sig.Token)
	assert.Equal(t, "local", sig.Origin)
	assert.Equal(t, []string{"first:role updated", "second:role updated"}, got)
	assert.Equal(t, Token(1), bus.LastToken())
}

func TestBus_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	logger, hook := test.NewNullLogger()
	bus := NewBus(WithLogger(logger))

	var delivered bool
	bus.Subscribe(func(Signal) { panic("boom") })
	bus.Subscribe(func(Signal) { delivered = true })

	_, err := bus.Broadcast(context.Background(), "role deleted")
	require.NoError(t, err)

	assert.True(t, delivered)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "Invalidation subscriber panicked", entry.Message)
}

func TestBus_LocalTokensIncrease(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var last Token
	for i := 0; i < 5; i++ {
		sig, err := bus.Broadcast(ctx, "change")
		require.NoError(t, err)
		assert.Greater(t, sig.Token, last)
		last = sig.Token
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsubscribe := bus.Subscribe(func(Signal) { calls++ })

	_, _ = bus.Broadcast(context.Background(), "a")
	unsubscribe()
	unsubscribe()
	_, _ = bus.Broadcast(context.Background(), "b")

	assert.Equal(t, 1, calls)
}

func TestBus_DeliverIgnoresOlderTokens(t *testing.T) {
	bus := NewBus()
	var applied []Token
	bus.Subscribe(func(sig Signal) { applied = append(applied, sig.Token) })

	assert.True(t, bus.Deliver(Signal{Token: 5, Reason: "remote"}))
	assert.False(t, bus.Deliver(Signal{Token: 3, Reason: "late"}))
	assert.False(t, bus.Deliver(Signal{Token: 5, Reason: "duplicate"}))
	assert.True(t, bus.Deliver(Signal{Token: 6, Reason: "newer"}))

	assert.Equal(t, []Token{5, 6}, applied)
	assert.Equal(t, Token(6), bus.LastToken())
}

func TestBus_LocalTokenStaysAboveRemote(t *testing.T) {
	bus := NewBus()
	bus.Deliver(Signal{Token: 41})

	sig, err := bus.Broadcast(context.Background(), "after remote")
	require.NoError(t, err)
	assert.Equal(t, Token(42), sig.Token)
}

func TestBus_PublishesThroughRelay(t *testing.T) {
	pub := &recordingPublisher{}
	bus := NewBus(WithIssuer(&stubIssuer{tokens: []Token{10}}), WithPublisher(pub), WithOrigin("proc-a"))

	sig, err := bus.Broadcast(context.Background(), "assign_role")
	require.NoError(t, err)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, sig, pub.sent[0])
	assert.Equal(t, Token(10), sig.Token)
	assert.Equal(t, "proc-a", sig.Origin)
}

func TestBus_IssuerFailureStillInvalidatesLocally(t *testing.T) {
	pub := &recordingPublisher{}
	bus := NewBus(WithIssuer(&stubIssuer{err: errors.New("redis down")}), WithPublisher(pub))
	delivered := 0
	bus.Subscribe(func(Signal) { delivered++ })

	sig, err := bus.Broadcast(context.Background(), "delete_role")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")

	assert.Equal(t, 1, delivered)
	assert.Equal(t, Token(1), sig.Token)
	assert.Empty(t, pub.sent)
}

func TestBus_FallbackTokenIsLoggedAndShadowsPeer(t *testing.T) {
	logger, hook := test.NewNullLogger()
	bus := NewBus(WithIssuer(&stubIssuer{err: errors.New("redis down")}), WithLogger(logger))
	bus.Deliver(Signal{Token: 4, Origin: "proc-b"})

	sig, err := bus.Broadcast(context.Background(), "update_role")
	require.Error(t, err)
	assert.Equal(t, Token(5), sig.Token)

	var warned *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = entry
		}
	}
	require.NotNil(t, warned)
	assert.Equal(t, Token(5), warned.Data["token"])
	assert.Contains(t, warned.Message, "local token")

	// a peer that later draws 5 from the shared counter is treated as already seen
	assert.False(t, bus.Deliver(Signal{Token: 5, Origin: "proc-b"}))
	assert.True(t, bus.Deliver(Signal{Token: 6, Origin: "proc-b"}))
}

func TestBus_PublishFailureIsReturnedAfterLocalDelivery(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("connection reset")}
	bus := NewBus(WithPublisher(pub))
	delivered := 0
	bus.Subscribe(func(Signal) { delivered++ })

	_, err := bus.Broadcast(context.Background(), "update_role")
	require.Error(t, err)
	assert.Equal(t, 1, delivered)
}

func TestBus_ChannelIsLossyAndClosable(t *testing.T) {
	bus := NewBus(WithClock(func() time.Time { return time.Unix(0, 0) }))
	ch, cancel := bus.Channel(1)

	_, _ = bus.Broadcast(context.Background(), "one")
	_, _ = bus.Broadcast(context.Background(), "two")

	sig := <-ch
	assert.Equal(t, "one", sig.Reason)
	select {
	case extra := <-ch:
		t.Fatalf("expected dropped signal, got %+v", extra)
	default:
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	_, err := bus.Broadcast(context.Background(), "after close")
	assert.NoError(t, err)
}

func TestBus_ConcurrentBroadcastAndSubscribe(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = bus.Broadcast(context.Background(), "race")
		}()
		go func() {
			defer wg.Done()
			unsubscribe := bus.Subscribe(func(Signal) {})
			unsubscribe()
		}()
	}
	wg.Wait()
	assert.Equal(t, Token(20), bus.LastToken())
}
