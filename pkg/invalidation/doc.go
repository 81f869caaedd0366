// Package invalidation broadcasts RBAC cache invalidations.
//
// A Bus delivers Signals to in-process subscribers synchronously. Every
// signal carries a Token; tokens increase monotonically, so a consumer that
// has seen token N can ignore anything at or below N.
//
// With a RedisRelay attached, tokens come from INCR on a shared key and each
// broadcast is published on a Redis channel. Other processes apply the
// signals they receive with Deliver, and a cron job running Reconcile catches
// up on any message the subscription dropped. The relay is best-effort: a
// missed signal leaves caches stale only until their TTL runs out.
//
//	relay := invalidation.NewRedisRelay(client, invalidation.DefaultRelayConfig(), logger)
//	bus := invalidation.NewBus(relay.BusOptions()...)
//	go relay.Run(ctx, bus)
//	bus.Subscribe(resolver.Invalidate)
package invalidation
