package signalstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/frikords/calls/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	idCounterKey = "signals:next_id"
	inboxPrefix  = "signals:inbox:"
)

// Redis is the production Store: one list per recipient, ids from a shared
// counter. Mailboxes expire after the configured TTL so signals abandoned by
// a vanished caller do not pile up.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// storedSignal is the mailbox wire format. The recipient is implied by the
// list key and not repeated in every entry.
type storedSignal struct {
	ID      int64             `json:"id"`
	From    string            `json:"from"`
	Type    models.SignalType `json:"type"`
	Payload string            `json:"payload"`
}

func (r *Redis) Append(ctx context.Context, from, to string, typ models.SignalType, payload string) (models.Signal, error) {
	id, err := r.client.Incr(ctx, idCounterKey).Result()
	if err != nil {
		return models.Signal{}, errors.Wrap(err, "allocate signal id")
	}

	data, err := json.Marshal(storedSignal{ID: id, From: from, Type: typ, Payload: payload})
	if err != nil {
		return models.Signal{}, errors.Wrap(err, "marshal signal")
	}

	key := inboxPrefix + to

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Signal{}, errors.Wrap(err, "queue signal")
	}

	return models.Signal{ID: id, From: from, To: to, Type: typ, Payload: payload}, nil
}

func (r *Redis) Drain(ctx context.Context, userID string) ([]models.Signal, error) {
	key := inboxPrefix + userID

	// Read and clear in one transaction so two concurrent polls never see
	// the same signal.
	pipe := r.client.TxPipeline()
	entries := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "drain mailbox")
	}

	raw := entries.Val()
	if len(raw) == 0 {
		return nil, nil
	}

	sigs := make([]models.Signal, 0, len(raw))
	for _, item := range raw {
		var stored storedSignal
		if err := json.Unmarshal([]byte(item), &stored); err != nil {
			// A corrupt entry is dropped rather than wedging the whole
			// mailbox.
			continue
		}
		sigs = append(sigs, models.Signal{
			ID:      stored.ID,
			From:    stored.From,
			To:      userID,
			Type:    stored.Type,
			Payload: stored.Payload,
		})
	}

	return sigs, nil
}
