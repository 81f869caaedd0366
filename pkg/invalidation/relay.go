package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/givebridge/accessd/pkg/observability"
)

// RelayConfig names the Redis keys a relay uses
type RelayConfig struct {
	Channel  string
	TokenKey string
	// Origin identifies this process; a random id is used when empty
	Origin string
}

// DefaultRelayConfig returns the keys shared by every accessd process
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Channel:  "accessd:rbac:invalidations",
		TokenKey: "accessd:rbac:invalidation_token",
	}
}

// RedisRelay carries invalidations between processes. It issues tokens with
// INCR on a shared key and publishes signals on a pub/sub channel.
type RedisRelay struct {
	client redis.UniversalClient
	cfg    RelayConfig
	logger logrus.FieldLogger
}

// NewRedisRelay creates a relay over client
func NewRedisRelay(client redis.UniversalClient, cfg RelayConfig, logger logrus.FieldLogger) *RedisRelay {
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisRelay{
		client: client,
		cfg:    cfg,
		logger: logger.WithField("component", "redis_relay"),
	}
}

// Origin is the id stamped on signals raised by this process
func (r *RedisRelay) Origin() string {
	return r.cfg.Origin
}

// BusOptions wires the relay into a bus as its issuer and publisher
func (r *RedisRelay) BusOptions() []Option {
	return []Option{WithIssuer(r), WithPublisher(r), WithOrigin(r.cfg.Origin)}
}

// Next increments the shared token key
func (r *RedisRelay) Next(ctx context.Context) (Token, error) {
	n, err := r.client.Incr(ctx, r.cfg.TokenKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	return Token(n), nil
}

// Publish sends sig on the relay channel as JSON
func (r *RedisRelay) Publish(ctx context.Context, sig Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	if err := r.client.Publish(ctx, r.cfg.Channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Run subscribes to the relay channel and delivers foreign signals to bus
// until ctx is cancelled
func (r *RedisRelay) Run(ctx context.Context, bus *Bus) error {
	defer observability.RecoverPanic(r.logger, "redis relay")

	pubsub := r.client.Subscribe(ctx, r.cfg.Channel)
	defer pubsub.Close()

	// confirm the subscription before consuming messages
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", r.cfg.Channel, err)
	}
	r.logger.WithField("channel", r.cfg.Channel).Info("Subscribed to invalidation channel")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(bus, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(bus *Bus, payload string) {
	var sig Signal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		r.logger.WithError(err).Warn("Discarding malformed invalidation payload")
		return
	}
	if sig.Origin == r.cfg.Origin {
		return
	}
	if bus.Deliver(sig) {
		r.logger.WithFields(logrus.Fields{
			"token":  sig.Token,
			"reason": sig.Reason,
			"origin": sig.Origin,
		}).Debug("Applied remote invalidation")
	}
}

// Reconcile reads the shared token key and delivers a synthetic signal when it
// is ahead of the bus, recovering from pub/sub messages this process missed
func (r *RedisRelay) Reconcile(ctx context.Context, bus *Bus) (bool, error) {
	n, err := r.client.Get(ctx, r.cfg.TokenKey).Uint64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read invalidation token: %w", err)
	}
	applied := bus.Deliver(Signal{
		Token:  Token(n),
		Reason: "reconcile",
		Origin: "redis",
		At:     bus.now().UTC(),
	})
	if applied {
		r.logger.WithField("token", n).Info("Reconciled missed invalidation")
	}
	return applied, nil
}

// ScheduleReconcile registers Reconcile on c with the given cron spec
func (r *RedisRelay) ScheduleReconcile(ctx context.Context, c *cron.Cron, spec string, bus *Bus) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		if _, err := r.Reconcile(ctx, bus); err != nil {
			r.logger.WithError(err).Warn("Invalidation reconcile failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to schedule reconcile %q: %w", spec, err)
	}
	return id, nil
}
