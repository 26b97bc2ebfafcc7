package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/riff"
)

// NetworkResolver resolves riff metadata against a remote authority when
// the local durable cache misses (spec §4.2: "falls back to network
// resolver if authenticated").
type NetworkResolver interface {
	ResolveRemote(ctx context.Context, id ident.RiffId) (*riff.Meta, bool)
}

// storedMeta is the JSON-serializable projection of riff.Meta persisted to
// the local SQLite cache; riff.Meta's array fields don't round-trip through
// database/sql directly, so this mirrors it field-for-field for (de)coding.
type storedMeta struct {
	BPM          float64
	QuarterBeats int
	BarCount     int
	StemIDs      [riff.NumStems]ident.StemId
	StemBPS      [riff.NumStems]float64
	StemGains    [riff.NumStems]float64
}

// LocalStore is the durable per-app metadata cache (spec §6.2:
// "<storageRoot>/cache/<app>/"), backed by a SQLite database via the
// pure-Go modernc.org/sqlite driver (no cgo, so the pipeline cross-compiles
// the same way the rest of this module does).
type LocalStore struct {
	db *sql.DB
}

// OpenLocalStore opens (creating if absent) the SQLite database at path and
// ensures its schema exists.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: opening local store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS riff_meta (
	riff_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pipeline: creating schema: %w", err)
	}
	return &LocalStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *LocalStore) Close() error { return s.db.Close() }

// Get returns the cached metadata for id, or ok=false on a cache miss.
func (s *LocalStore) Get(ctx context.Context, id ident.RiffId) (riff.Meta, bool) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM riff_meta WHERE riff_id = ?`, id.String()).Scan(&payload)
	if err != nil {
		return riff.Meta{}, false
	}
	var sm storedMeta
	if err := json.Unmarshal([]byte(payload), &sm); err != nil {
		return riff.Meta{}, false
	}
	return riff.Meta{
		RiffID:       id,
		BPM:          sm.BPM,
		QuarterBeats: sm.QuarterBeats,
		BarCount:     sm.BarCount,
		StemIDs:      sm.StemIDs,
		StemBPS:      sm.StemBPS,
		StemGains:    sm.StemGains,
	}, true
}

// ListRiffs enumerates every riff currently held in the local metadata
// cache, independent of whatever riff the mixer is currently playing — the
// read side of the trim/browse split described by original_source's
// cache.jams.browser.cpp (the write/eviction side is stemcache.Cache.Prune).
func (s *LocalStore) ListRiffs(ctx context.Context) ([]riff.Meta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT riff_id, payload FROM riff_meta ORDER BY riff_id`)
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing riff meta: %w", err)
	}
	defer rows.Close()

	var out []riff.Meta
	for rows.Next() {
		var riffID, payload string
		if err := rows.Scan(&riffID, &payload); err != nil {
			return nil, fmt.Errorf("pipeline: scanning riff meta row: %w", err)
		}
		var sm storedMeta
		if err := json.Unmarshal([]byte(payload), &sm); err != nil {
			continue // a row written by an older/incompatible schema; skip rather than fail the whole listing
		}
		id, err := ident.ParseRiffId(riffID)
		if err != nil {
			continue
		}
		out = append(out, riff.Meta{
			RiffID:       id,
			BPM:          sm.BPM,
			QuarterBeats: sm.QuarterBeats,
			BarCount:     sm.BarCount,
			StemIDs:      sm.StemIDs,
			StemBPS:      sm.StemBPS,
			StemGains:    sm.StemGains,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: iterating riff meta rows: %w", err)
	}
	return out, nil
}

// Put persists meta for later local resolution.
func (s *LocalStore) Put(ctx context.Context, meta riff.Meta) error {
	sm := storedMeta{
		BPM: meta.BPM, QuarterBeats: meta.QuarterBeats, BarCount: meta.BarCount,
		StemIDs: meta.StemIDs, StemBPS: meta.StemBPS, StemGains: meta.StemGains,
	}
	payload, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("pipeline: marshalling riff meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO riff_meta(riff_id, payload) VALUES (?, ?)
		 ON CONFLICT(riff_id) DO UPDATE SET payload = excluded.payload`,
		meta.RiffID.String(), string(payload))
	if err != nil {
		return fmt.Errorf("pipeline: persisting riff meta: %w", err)
	}
	return nil
}

// CachingResolver implements the spec §4.2 resolver contract: "tries local
// durable metadata first, falls back to network resolver if authenticated;
// returns None on failure." A successful network resolution is written back
// to the local store so subsequent requests for the same riff hit locally.
type CachingResolver struct {
	local         *LocalStore
	network       NetworkResolver
	authenticated func() bool
}

// NewCachingResolver builds a resolver over local (required) and an
// optional network fallback gated by authenticated (nil means "never
// authenticated", i.e. local-only resolution).
func NewCachingResolver(local *LocalStore, network NetworkResolver, authenticated func() bool) *CachingResolver {
	return &CachingResolver{local: local, network: network, authenticated: authenticated}
}

// Resolve implements the pluggable resolver contract consumed by the
// pipeline worker.
func (r *CachingResolver) Resolve(ctx context.Context, id ident.RiffId) (riff.Meta, bool) {
	if meta, ok := r.local.Get(ctx, id); ok {
		return meta, true
	}
	if r.network == nil || r.authenticated == nil || !r.authenticated() {
		return riff.Meta{}, false
	}
	meta, ok := r.network.ResolveRemote(ctx, id)
	if !ok || meta == nil {
		return riff.Meta{}, false
	}
	if err := r.local.Put(ctx, *meta); err != nil {
		// Best-effort: a failed write-back doesn't invalidate a resolution
		// that already succeeded, it only costs a repeat network round trip
		// next time.
		return *meta, true
	}
	return *meta, true
}
