package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"entitlesys/internal/models"
)

// DefaultUsageRetention keeps closed periods readable for reporting.
const DefaultUsageRetention = 90 * 24 * time.Hour

// addIfBelowCap runs as one server-side script so the check and the
// increment can never interleave with another caller.
var addIfBelowCap = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local cap = tonumber(ARGV[2])
if cap >= 0 and cur >= cap then
  return {cur, 0}
end
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('EXPIREAT', KEYS[1], ARGV[3])
return {n, 1}
`)

// RedisCounters keeps one hash per account and period, keyed
// usage:{account}:{period start unix}, with one field per resource class.
type RedisCounters struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisCounters(client redis.UniversalClient, retention time.Duration) *RedisCounters {
	if retention <= 0 {
		retention = DefaultUsageRetention
	}
	return &RedisCounters{client: client, retention: retention}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func usageHashKey(accountID int64, period models.Period) string {
	return "usage:" + strconv.FormatInt(accountID, 10) + ":" + strconv.FormatInt(period.Start.Unix(), 10)
}

func (r *RedisCounters) Add(ctx context.Context, accountID int64, period models.Period, resource models.ResourceClass, limit int64) (int64, bool, error) {
	if !resource.Valid() {
		return 0, false, fmt.Errorf("unknown resource %q", resource)
	}
	expireAt := period.End.Add(r.retention).Unix()
	res, err := addIfBelowCap.Run(ctx, r.client, []string{usageHashKey(accountID, period)}, string(resource), limit, expireAt).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis usage add: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis usage add: unexpected reply %v", res)
	}
	return res[0], res[1] == 1, nil
}

func (r *RedisCounters) Snapshot(ctx context.Context, accountID int64, period models.Period) (models.UsagePeriod, error) {
	out := models.UsagePeriod{AccountID: accountID, PeriodStart: period.Start, PeriodEnd: period.End}
	fields, err := r.client.HGetAll(ctx, usageHashKey(accountID, period)).Result()
	if err != nil {
		return out, fmt.Errorf("redis usage snapshot: %w", err)
	}
	for _, resource := range models.AllResources {
		raw, ok := fields[string(resource)]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return out, fmt.Errorf("redis usage snapshot %s: %w", resource, err)
		}
		out.Set(resource, n)
	}
	return out, nil
}
