package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"codepair/internal/monitor"
)

// RedisBroker relays events over Redis pub/sub, one channel per session.
type RedisBroker struct {
	client     *redis.Client
	instanceID string
	metrics    *monitor.Metrics

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBroker creates a broker. metrics may be nil.
func NewRedisBroker(client *redis.Client, instanceID string, metrics *monitor.Metrics) *RedisBroker {
	return &RedisBroker{client: client, instanceID: instanceID, metrics: metrics}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(env.SessionID), data).Err(); err != nil {
		if b.metrics != nil {
			b.metrics.FanoutErrors.WithLabelValues("publish").Inc()
		}
		return fmt.Errorf("publishing to %s: %w", Channel(env.SessionID), err)
	}
	return nil
}

// Subscribe listens on every room channel and returns once the subscription
// is confirmed. Envelopes from this instance are skipped.
func (b *RedisBroker) Subscribe(ctx context.Context, h Handler) error {
	ps := b.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribing to room channels: %w", err)
	}

	b.mu.Lock()
	b.pubsub = ps
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed fanout message")
				if b.metrics != nil {
					b.metrics.FanoutErrors.WithLabelValues("decode").Inc()
				}
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			h(env)
		}
	}()

	log.Info().Str("instance_id", b.instanceID).Msg("fanout subscribed")
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	b.wg.Wait()
	return err
}
