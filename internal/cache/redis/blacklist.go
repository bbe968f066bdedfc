package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockpilot/stockpilot/internal/domain"
)

// DayBlacklist implements domain.DayBlacklist using a Redis set per owner and
// calendar day. The key embeds the local date, so entries from a previous day
// are simply never read again; the TTL cleans them up.
type DayBlacklist struct {
	rdb *redis.Client
	loc *time.Location
}

// NewDayBlacklist creates a DayBlacklist. The location defines when "today"
// rolls over; it must match the market calendar's timezone.
func NewDayBlacklist(c *Client, loc *time.Location) *DayBlacklist {
	return &DayBlacklist{rdb: c.Underlying(), loc: loc}
}

func (b *DayBlacklist) key(ownerID string, now time.Time) string {
	return fmt.Sprintf("blacklist:%s:%s", ownerID, now.In(b.loc).Format("2006-01-02"))
}

// Add marks the symbol as untradable for the owner until the next local
// midnight.
func (b *DayBlacklist) Add(ctx context.Context, ownerID, symbol string) error {
	now := time.Now()
	key := b.key(ownerID, now)

	if err := b.rdb.SAdd(ctx, key, symbol).Err(); err != nil {
		return fmt.Errorf("redis: blacklist add %s/%s: %w", ownerID, symbol, err)
	}

	// Expire shortly after local midnight so the set never outlives its day.
	local := now.In(b.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.loc).AddDate(0, 0, 1)
	if err := b.rdb.ExpireAt(ctx, key, midnight.Add(time.Hour)).Err(); err != nil {
		return fmt.Errorf("redis: blacklist expire %s: %w", key, err)
	}
	return nil
}

// Contains reports whether the symbol is blacklisted for the owner today.
func (b *DayBlacklist) Contains(ctx context.Context, ownerID, symbol string) (bool, error) {
	ok, err := b.rdb.SIsMember(ctx, b.key(ownerID, time.Now()), symbol).Result()
	if err != nil {
		return false, fmt.Errorf("redis: blacklist check %s/%s: %w", ownerID, symbol, err)
	}
	return ok, nil
}

// Symbols returns every symbol blacklisted for the owner today.
func (b *DayBlacklist) Symbols(ctx context.Context, ownerID string) ([]string, error) {
	members, err := b.rdb.SMembers(ctx, b.key(ownerID, time.Now())).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: blacklist members %s: %w", ownerID, err)
	}
	return members, nil
}

// Compile-time interface check.
var _ domain.DayBlacklist = (*DayBlacklist)(nil)
