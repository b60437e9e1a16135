// Package backbone bridges external publishers into the realtime
// router. Processes that cannot call the HTTP publish API directly
// (cron jobs, the CRUD application's background workers) publish wire
// envelopes to a redis pub/sub channel; the subscriber validates each
// one and hands it to the router as if an HTTP handler had published
// it.
//
// This is an inbound event source only. It does not fan deliveries out
// to other server processes; the connection registry stays
// single-process.
package backbone

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/seguritech/centinela/internal/config"
	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/internal/realtime"
	"github.com/seguritech/centinela/pkg/wire"
)

// Subscriber consumes envelopes from a redis channel and publishes
// them into the router. It implements suture.Service; a broken
// subscription returns an error so the supervisor restarts it.
type Subscriber struct {
	client  *redis.Client
	router  *realtime.Router
	channel string
}

// NewSubscriber connects to redis and verifies the connection with a
// ping before the supervisor takes over.
func NewSubscriber(ctx context.Context, cfg config.RedisConfig, router *realtime.Router) (*Subscriber, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("backbone: redis ping: %w", err)
	}
	return &Subscriber{client: client, router: router, channel: cfg.Channel}, nil
}

// Serve subscribes and pumps envelopes until the context is canceled.
func (s *Subscriber) Serve(ctx context.Context) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = ps.Close() }()

	// Force the subscription onto the wire before we start draining.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("backbone: subscribe %s: %w", s.channel, err)
	}
	logging.Info().Str("channel", s.channel).Msg("redis backbone subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("backbone: subscription to %s closed", s.channel)
			}
			s.handle(msg.Payload)
		}
	}
}

// handle decodes and publishes one backbone message. Bad envelopes are
// logged and dropped; one rogue publisher must not stall the stream.
func (s *Subscriber) handle(payload string) {
	env, err := wire.DecodeEnvelope([]byte(payload))
	if err != nil {
		logging.Warn().Err(err).Msg("backbone envelope discarded: malformed")
		return
	}
	// Backbone traffic is server-originated by definition.
	env.Sender = nil
	if _, err := s.router.Publish(env); err != nil {
		logging.Warn().
			Err(err).
			Str("type", string(env.Type)).
			Msg("backbone envelope rejected by router")
	}
}

// Close releases the redis connection after the supervisor has stopped
// the service.
func (s *Subscriber) Close() error {
	return s.client.Close()
}

// String names the service in supervisor logs.
func (s *Subscriber) String() string {
	return "redis-backbone"
}
