package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Reader
// ============================================================================

// Reader is the cache-aware read path. Every read consults the response
// cache first, coalesces concurrent identical requests into one network
// call, writes successful responses back to the cache, and falls back to a
// stale entry when the device is offline.
//
// Only idempotent reads belong here; writes go straight through Client.
type Reader struct {
	client *Client
	cache  *Cache
	probe  ConnectivityProbe
	group  singleflight.Group
	log    *slog.Logger
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// Probe reports connectivity for the stale-fallback decision.
	// Nil means "always online" (no stale fallback).
	Probe ConnectivityProbe
	// Logger receives fallback events. Nil discards.
	Logger *slog.Logger
}

// NewReader creates a read path over the client and cache. opts may be nil.
func NewReader(client *Client, cache *Cache, opts *ReaderOptions) *Reader {
	r := &Reader{
		client: client,
		cache:  cache,
		log:    discardLogger(),
	}
	if opts != nil {
		r.probe = opts.Probe
		if opts.Logger != nil {
			r.log = opts.Logger
		}
	}
	return r
}

// Get performs a cache-aware GET of path with the given query parameters.
func (r *Reader) Get(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	return r.Read(ctx, http.MethodGet, path, params)
}

// Read resolves a read request:
//
//  1. a fresh cache entry is served without any network call;
//  2. concurrent identical requests share one in-flight network call, and
//     every caller observes the same value or the same error;
//  3. a successful response is written back to the cache;
//  4. on failure while offline, a cached entry is served even when stale;
//     otherwise the error propagates.
func (r *Reader) Read(ctx context.Context, method, path string, params map[string]string) (json.RawMessage, error) {
	key := CacheKey(method, path, params)

	if entry, err := r.cache.Get(key); err == nil && r.cache.Fresh(entry) {
		return entry.Data, nil
	}

	// The singleflight entry is dropped when the shared call settles,
	// success or failure, so a later read issues a fresh request.
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.fetch(ctx, method, path, params, key)
	})
	if err != nil {
		if !online(r.probe) {
			if entry, cerr := r.cache.Get(key); cerr == nil && entry != nil {
				r.log.Info("read: serving cached entry while offline",
					slog.String("key", key), slog.Bool("fresh", r.cache.Fresh(entry)))
				return entry.Data, nil
			}
		}
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Invalidate drops the cached entry for a request, forcing the next Read to
// the network.
func (r *Reader) Invalidate(method, path string, params map[string]string) error {
	return r.cache.Invalidate(CacheKey(method, path, params))
}

func (r *Reader) fetch(ctx context.Context, method, path string, params map[string]string, key string) (json.RawMessage, error) {
	resp, err := r.client.Do(ctx, method, path, nil, params)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("read %s: server returned %d", key, resp.Status)
	}
	if err := r.cache.Put(key, resp.Body); err != nil {
		// The response is still usable; the cache write is best effort.
		r.log.Warn("read: cache write-back failed",
			slog.String("key", key), slog.String("error", err.Error()))
	}
	return json.RawMessage(resp.Body), nil
}
