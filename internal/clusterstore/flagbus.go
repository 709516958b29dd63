// Package clusterstore provides cross-process persistence for the cluster
// coordination core: a Redis pub/sub channel that lets multiple siridbd
// processes on the same host (or a supervisor + CLI) observe flag
// broadcasts, and a Postgres-backed audit log of topology changes.
package clusterstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/siridb/siridb-cluster/internal/cluster"
)

// flagMessage is the wire shape published on the flag-broadcast channel.
type flagMessage struct {
	ServerUUID string `json:"server_uuid"`
	Flags      uint8  `json:"flags"`
}

// FlagBus publishes and observes server flag broadcasts across processes
// via a single Redis pub/sub channel, so out-of-process tooling (the
// admin API, a CLI) sees the same liveness view as the server that owns
// the connection to a given peer.
type FlagBus struct {
	client  *redis.Client
	channel string
}

// NewFlagBus creates a Redis client for addr and binds it to channel; both
// come from config.
func NewFlagBus(addr, channel string) *FlagBus {
	return &FlagBus{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

// Publish broadcasts a server's current flag byte to every subscriber.
func (b *FlagBus) Publish(ctx context.Context, serverUUID uuid.UUID, flags cluster.Flag) error {
	data, err := json.Marshal(flagMessage{ServerUUID: serverUUID.String(), Flags: uint8(flags)})
	if err != nil {
		return fmt.Errorf("clusterstore: marshaling flag broadcast: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Handler is invoked once per flag broadcast received from the bus.
type Handler func(serverUUID uuid.UUID, flags cluster.Flag)

// Subscribe blocks, delivering every flag broadcast to handle until ctx is
// cancelled. Malformed messages are logged and skipped rather than
// terminating the subscription.
func (b *FlagBus) Subscribe(ctx context.Context, handle Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var fm flagMessage
			if err := json.Unmarshal([]byte(msg.Payload), &fm); err != nil {
				slog.Warn("clusterstore: dropping malformed flag broadcast", "error", err)
				continue
			}
			id, err := uuid.Parse(fm.ServerUUID)
			if err != nil {
				slog.Warn("clusterstore: dropping flag broadcast with bad uuid", "error", err)
				continue
			}
			handle(id, cluster.Flag(fm.Flags))
		}
	}
}

// Close releases the underlying Redis client.
func (b *FlagBus) Close() error {
	return b.client.Close()
}
