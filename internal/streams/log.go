// Package streams implements the Log component (spec §4.B): an
// append-only, per-channel, at-least-once delivery log backed by Redis
// Streams, mirroring XADD/XREADGROUP/XACK/XGROUP CREATE semantics.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Entry is one durable message read back off a channel's stream.
type Entry struct {
	ID      string // Redis stream entry ID, the StreamEntryID in models.Event
	Payload json.RawMessage
}

// Log is the append-only per-channel store with consumer-group
// at-least-once delivery (spec §4.B).
type Log struct {
	rdb       *goredis.Client
	prefix    string
	maxLen    int64
	log       *logrus.Entry
}

// Config tunes the Log's trim policy.
type Config struct {
	KeyPrefix string
	MaxLen    int64 // approximate MAXLEN; 0 disables trimming
}

// New wraps a command client as a Log.
func New(rdb *goredis.Client, cfg Config, log *logrus.Logger) *Log {
	if log == nil {
		log = logrus.StandardLogger()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "axonpuls"
	}
	return &Log{rdb: rdb, prefix: prefix, maxLen: cfg.MaxLen, log: log.WithField("component", "streams")}
}

func (l *Log) streamKey(orgID, channel string) string {
	return fmt.Sprintf("%s:events:%s:%s", l.prefix, orgID, channel)
}

// Append writes payload to channel's stream, trimming to ~MaxLen entries
// when configured, and returns the assigned stream entry ID.
func (l *Log) Append(ctx context.Context, orgID, channel string, payload []byte) (string, error) {
	args := &goredis.XAddArgs{
		Stream: l.streamKey(orgID, channel),
		Values: map[string]interface{}{"payload": payload},
	}
	if l.maxLen > 0 {
		args.Approx = true
		args.MaxLen = l.maxLen
	}
	id, err := l.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("streams append %s/%s: %w", orgID, channel, err)
	}
	return id, nil
}

// EnsureGroup creates a consumer group at `start` ("$" for new messages
// only, "0" to replay from the beginning) if it does not already exist.
func (l *Log) EnsureGroup(ctx context.Context, orgID, channel, group, start string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, l.streamKey(orgID, channel), group, start).Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("streams ensure group %s: %w", group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 14 && err.Error()[:14] == "BUSYGROUP Cons"
}

// ReadGroup reads up to count pending-or-new entries for consumer within
// group, blocking up to block (0 means return immediately).
func (l *Log) ReadGroup(ctx context.Context, orgID, channel, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := l.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{l.streamKey(orgID, channel), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("streams readgroup %s: %w", channel, err)
	}
	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values["payload"].(string)
			entries = append(entries, Entry{ID: msg.ID, Payload: json.RawMessage(payload)})
		}
	}
	return entries, nil
}

// Read replays entries strictly after `after` ("0" for the start of the
// stream), used by the channel-replay HTTP endpoint (spec §6).
func (l *Log) Read(ctx context.Context, orgID, channel, after string, count int64) ([]Entry, error) {
	res, err := l.rdb.XRangeN(ctx, l.streamKey(orgID, channel), "("+after, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("streams read %s: %w", channel, err)
	}
	entries := make([]Entry, 0, len(res))
	for _, msg := range res {
		payload, _ := msg.Values["payload"].(string)
		entries = append(entries, Entry{ID: msg.ID, Payload: json.RawMessage(payload)})
	}
	return entries, nil
}

// Ack acknowledges delivery of entry ids within group, removing them
// from the pending-entries list (at-least-once delivery, spec §4.B).
func (l *Log) Ack(ctx context.Context, orgID, channel, group string, ids ...string) error {
	if err := l.rdb.XAck(ctx, l.streamKey(orgID, channel), group, ids...).Err(); err != nil {
		return fmt.Errorf("streams ack %s: %w", channel, err)
	}
	return nil
}

// Length reports the current entry count of a channel's stream.
func (l *Log) Length(ctx context.Context, orgID, channel string) (int64, error) {
	n, err := l.rdb.XLen(ctx, l.streamKey(orgID, channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("streams length %s: %w", channel, err)
	}
	return n, nil
}

// Pending returns the number of entries delivered to group but not yet
// acked, for spotting stuck consumers. Only tests call it.
func (l *Log) Pending(ctx context.Context, orgID, channel, group string) (int64, error) {
	summary, err := l.rdb.XPending(ctx, l.streamKey(orgID, channel), group).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("streams pending %s: %w", channel, err)
	}
	return summary.Count, nil
}
