package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/you/jobsync/feed"
)

const defaultPrefix = "jobsync:"

// Options configure the Redis feed.
type Options struct {
	Addr           string
	SentinelAddrs  []string
	SentinelMaster string
	Username       string
	Password       string
	DB             int
	KeyPrefix      string
}

// Feed implements feed.Source and feed.Store using Redis. Updates travel
// over one pub/sub channel per jobID; job documents live in hashes with a
// set per status for listing.
type Feed struct {
	client goredis.UniversalClient
	prefix string
}

// New creates a Redis-backed feed. Supports single instance or Sentinel via
// UniversalClient.
func New(opts Options) (*Feed, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:      addrs(opts),
		MasterName: opts.SentinelMaster,
		Username:   opts.Username,
		Password:   opts.Password,
		DB:         opts.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Feed{
		client: client,
		prefix: prefix,
	}, nil
}

func addrs(opts Options) []string {
	if len(opts.SentinelAddrs) > 0 {
		return opts.SentinelAddrs
	}
	if opts.Addr != "" {
		return []string{opts.Addr}
	}
	return []string{"127.0.0.1:6379"}
}

// Close releases the Redis client.
func (f *Feed) Close() error {
	return f.client.Close()
}

// Attach subscribes to the job's channel and delivers decoded updates to
// onUpdate from a dedicated goroutine until the returned Detach is called.
func (f *Feed) Attach(ctx context.Context, jobID string, onUpdate func(feed.Update)) (feed.Detach, error) {
	pubsub := f.client.Subscribe(ctx, f.channelKey(jobID))
	// Receive forces the SUBSCRIBE round-trip so attach failures surface
	// here instead of silently dropping updates.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var u feed.Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				continue
			}
			onUpdate(u)
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

func (f *Feed) GetJob(ctx context.Context, jobID string) (feed.Job, bool, error) {
	fields, err := f.client.HGetAll(ctx, f.jobKey(jobID)).Result()
	if err != nil {
		return feed.Job{}, false, err
	}
	if len(fields) == 0 {
		return feed.Job{}, false, nil
	}
	job, err := decodeJob(jobID, fields)
	if err != nil {
		return feed.Job{}, false, err
	}
	return job, true, nil
}

func (f *Feed) PutJob(ctx context.Context, job feed.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	prev, err := f.client.HGet(ctx, f.jobKey(job.ID), "status").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return err
	}

	_, err = f.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, f.jobKey(job.ID),
			"status", job.Status,
			"payload", payload,
			"updatedAt", strconv.FormatInt(updatedAt.UnixMilli(), 10))
		if prev != "" && prev != job.Status {
			p.SRem(ctx, f.statusKey(prev), job.ID)
		}
		p.SAdd(ctx, f.statusKey(job.Status), job.ID)
		return nil
	})
	return err
}

func (f *Feed) ListJobsByStatus(ctx context.Context, status string) ([]feed.Job, error) {
	members, err := f.client.SMembers(ctx, f.statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := f.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, 0, len(members))
	for _, id := range members {
		cmds = append(cmds, pipe.HGetAll(ctx, f.jobKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}

	jobs := make([]feed.Job, 0, len(members))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Stale index member; the document is gone.
			continue
		}
		job, err := decodeJob(members[i], fields)
		if err != nil {
			return nil, err
		}
		if job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

var relabelScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "status") == ARGV[1] then
	redis.call("HSET", KEYS[1], "status", ARGV[2], "updatedAt", ARGV[3])
	redis.call("SREM", KEYS[2], ARGV[4])
	redis.call("SADD", KEYS[3], ARGV[4])
	return 1
else
	return 0
end`)

func (f *Feed) RelabelJob(ctx context.Context, jobID, from, to string, at time.Time) (bool, error) {
	keys := []string{f.jobKey(jobID), f.statusKey(from), f.statusKey(to)}
	res, err := relabelScript.Run(ctx, f.client, keys,
		from, to, strconv.FormatInt(at.UnixMilli(), 10), jobID).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v > 0, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected relabel result: %v", res)
	}
}

func (f *Feed) Publish(ctx context.Context, update feed.Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	return f.client.Publish(ctx, f.channelKey(update.JobID), data).Err()
}

func decodeJob(jobID string, fields map[string]string) (feed.Job, error) {
	job := feed.Job{
		ID:     jobID,
		Status: fields["status"],
	}
	if raw, ok := fields["payload"]; ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return feed.Job{}, fmt.Errorf("decode payload for job %s: %w", jobID, err)
		}
	}
	if raw, ok := fields["updatedAt"]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return feed.Job{}, fmt.Errorf("decode updatedAt for job %s: %w", jobID, err)
		}
		job.UpdatedAt = time.UnixMilli(ms)
	}
	return job, nil
}

func (f *Feed) jobKey(jobID string) string {
	return f.prefix + "job:" + jobID
}

func (f *Feed) statusKey(status string) string {
	return f.prefix + "status:" + status
}

func (f *Feed) channelKey(jobID string) string {
	return f.prefix + "jobs:" + jobID
}
