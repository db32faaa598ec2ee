package geoip

import (
	"context"
	"time"

	"lookout/pkg/cache"
)

// Location is the subset of GeoData attached to device records.
// Fields are empty when the address cannot be resolved.
type Location struct {
	CountryCode string `json:"country_code"`
	City        string `json:"city"`
}

// Locator resolves addresses through a TTL cache so repeated lookups for the
// same client skip the MMDB.
type Locator struct {
	reader *Reader
	cache  *cache.Cache[Location]
}

// NewLocator wraps reader with a cache. reader may be nil.
func NewLocator(reader *Reader, ttl time.Duration, maxEntries int) *Locator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locator{
		reader: reader,
		cache: cache.New[Location](cache.Options{
			TTL:         ttl,
			NegativeTTL: ttl,
			MaxEntries:  maxEntries,
		}, cache.Hooks{}),
	}
}

// Lookup never fails; unknown addresses yield an empty Location.
func (l *Locator) Lookup(ctx context.Context, ip string) Location {
	if l == nil || !l.reader.IsLoaded() || ip == "" {
		return Location{}
	}
	loc, ok, _ := l.cache.Get(ctx, ip, func(_ context.Context, key string) (Location, bool, error) {
		gd := l.reader.Lookup(key)
		if gd == nil {
			return Location{}, false, nil
		}
		return Location{CountryCode: gd.CountryCode, City: gd.City}, true, nil
	})
	if !ok {
		return Location{}
	}
	return loc
}
