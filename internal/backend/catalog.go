package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"

	"github.com/jo-hoe/mediagen/internal/common"
	"github.com/jo-hoe/mediagen/internal/jobs"
)

const defaultCatalogTTL = 10 * time.Minute

// ErrNoCatalog is returned for adapters that do not list templates.
var ErrNoCatalog = errors.New("backend has no template catalog")

type catalogEntry struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Data      json.RawMessage `json:"data"`
}

// Catalog caches adapter template listings in the KV store.
type Catalog struct {
	log   *slog.Logger
	kv    jobs.KV
	clock clock.Clock
	ttl   map[string]time.Duration
}

// NewCatalog creates a catalog cache. ttl holds per-backend lifetimes; missing entries use 10 minutes.
func NewCatalog(logger *slog.Logger, kv jobs.KV, clk clock.Clock, ttl map[string]time.Duration) *Catalog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.New()
	}
	if ttl == nil {
		ttl = map[string]time.Duration{}
	}
	return &Catalog{log: logger.With("component", "catalog"), kv: kv, clock: clk, ttl: ttl}
}

// Templates returns the cached listing for adapter a, refreshing it when expired.
// A failed refresh falls back to the stale copy if one exists.
func (c *Catalog) Templates(ctx context.Context, a Adapter, id Identity) (json.RawMessage, error) {
	cat, ok := a.(Cataloger)
	if !ok {
		return nil, ErrNoCatalog
	}
	key := common.CatalogKeyPrefix + a.Name()
	now := c.clock.Now()

	var cached *catalogEntry
	if raw, found, err := c.kv.Get(ctx, key); err != nil {
		c.log.Warn("read catalog cache failed", "backend", a.Name(), "err", err)
	} else if found {
		var e catalogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			c.log.Warn("cached catalog unreadable", "backend", a.Name(), "err", err)
		} else {
			cached = &e
		}
	}
	if cached != nil && now.Sub(cached.FetchedAt) < c.ttlFor(a.Name()) {
		return cached.Data, nil
	}

	data, err := cat.Templates(ctx, id)
	if err != nil {
		if cached != nil {
			c.log.Warn("catalog refresh failed; serving stale copy", "backend", a.Name(), "err", err)
			return cached.Data, nil
		}
		return nil, fmt.Errorf("fetch catalog %s: %w", a.Name(), err)
	}

	b, err := json.Marshal(catalogEntry{FetchedAt: now, Data: data})
	if err == nil {
		err = c.kv.Put(ctx, key, b)
	}
	if err != nil {
		c.log.Warn("write catalog cache failed", "backend", a.Name(), "err", err)
	}
	return data, nil
}

func (c *Catalog) ttlFor(name string) time.Duration {
	if d, ok := c.ttl[name]; ok && d > 0 {
		return d
	}
	return defaultCatalogTTL
}
