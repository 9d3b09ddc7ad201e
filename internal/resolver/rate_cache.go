package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const rateKeyPrefix = "cashback:rate:"

// RateSource is the uncached rate lookup.
type RateSource interface {
	RateFor(ctx context.Context, merchantID string) (decimal.Decimal, error)
}

type cmdable interface {
	Get(context.Context, string) *redis.StringCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
}

// CachedRateResolver is a read-through Redis cache in front of a RateSource.
// Redis failures fall back to the source.
type CachedRateResolver struct {
	source RateSource
	store  cmdable
	ttl    time.Duration
	log    *logrus.Logger
}

func NewCachedRateResolver(source RateSource, client *redis.Client, ttl time.Duration, log *logrus.Logger) *CachedRateResolver {
	return newCachedRateResolver(source, client, ttl, log)
}

func newCachedRateResolver(source RateSource, store cmdable, ttl time.Duration, log *logrus.Logger) *CachedRateResolver {
	return &CachedRateResolver{
		source: source,
		store:  store,
		ttl:    ttl,
		log:    log,
	}
}

func (c *CachedRateResolver) RateFor(ctx context.Context, merchantID string) (decimal.Decimal, error) {
	key := rateKeyPrefix + merchantID

	cached, err := c.store.Get(ctx, key).Result()
	switch {
	case err == nil:
		rate, perr := decimal.NewFromString(cached)
		if perr == nil {
			return rate, nil
		}
		c.log.WithError(perr).WithField("merchant_id", merchantID).Warn("discarding malformed cached rate")
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).WithField("merchant_id", merchantID).Warn("rate cache read failed")
	}

	rate, err := c.source.RateFor(ctx, merchantID)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.store.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("merchant_id", merchantID).Warn("rate cache write failed")
	}
	return rate, nil
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
