package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"media-jobs-service/internal/entity"
)

// JobEvent is the snapshot published on every committed transition.
type JobEvent struct {
	JobID       string           `json:"job_id"`
	Kind        entity.JobKind   `json:"kind"`
	Status      entity.JobStatus `json:"status"`
	Progress    int              `json:"progress"`
	Stage       string           `json:"stage,omitempty"`
	Error       *entity.JobError `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Revision    uint64           `json:"revision"`
	At          time.Time        `json:"at"`
}

func NewJobEvent(j entity.Job, at time.Time) JobEvent {
	return JobEvent{
		JobID:       j.ID.String(),
		Kind:        j.Kind,
		Status:      j.Status,
		Progress:    j.Progress.Percent,
		Stage:       j.Progress.Stage,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		Revision:    j.Revision,
		At:          at.UTC(),
	}
}

// RedisEventPublisher mirrors job state into Redis for external
// dashboards: a PUBLISH per transition plus a status hash per job that
// expires after statusTTL. Redis is a side channel only; the registry
// never reads from it.
type RedisEventPublisher struct {
	rdb       redis.Cmdable
	channel   string
	keyPrefix string
	statusTTL time.Duration
	now       func() time.Time
}

func NewRedisEventPublisher(rdb redis.Cmdable, channel string, statusTTL time.Duration) *RedisEventPublisher {
	return &RedisEventPublisher{
		rdb:       rdb,
		channel:   channel,
		keyPrefix: "jobs:status:",
		statusTTL: statusTTL,
		now:       time.Now,
	}
}

func (p *RedisEventPublisher) StatusKey(id string) string {
	return p.keyPrefix + id
}

// recordStatus applies a snapshot only if its revision is newer than the
// one stored in the hash, then publishes it. Running both in one script
// keeps the hash and the channel in commit order even when snapshots of
// the same job are recorded concurrently. Revision 0 is unversioned.
//
// KEYS[1] status hash
// ARGV    revision, ttl ms, channel, payload, field, value, ...
var recordStatus = redis.NewScript(`
local rev = tonumber(ARGV[1])
local cur = tonumber(redis.call('HGET', KEYS[1], 'revision') or '0')
if rev > 0 and rev <= cur then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 5))
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
redis.call('PUBLISH', ARGV[3], ARGV[4])
return 1
`)

// Record mirrors one snapshot. A snapshot older than the stored one is
// dropped without error.
func (p *RedisEventPublisher) Record(ctx context.Context, job entity.Job) error {
	ev := NewJobEvent(job, p.now())
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"status":        string(ev.Status),
		"kind":          string(ev.Kind),
		"progress":      ev.Progress,
		"stage":         ev.Stage,
		"revision":      ev.Revision,
		"error_code":    "",
		"error_message": "",
	}
	if ev.Error != nil {
		fields["error_code"] = string(ev.Error.Code)
		fields["error_message"] = ev.Error.Message
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	args := []any{ev.Revision, p.statusTTL.Milliseconds(), p.channel, payload}
	for _, k := range names {
		args = append(args, k, fields[k])
	}

	key := p.StatusKey(ev.JobID)
	if err := recordStatus.Run(ctx, p.rdb, []string{key}, args...).Err(); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}
