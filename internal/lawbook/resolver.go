package lawbook

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/afu9/control-center/internal/errcode"
)

// Store persists activated lawbook versions.
type Store interface {
	// GetActive returns the active lawbook for the rulebook ID, or
	// (nil, nil) when none is configured.
	GetActive(ctx context.Context, id string) (*Lawbook, error)
	// Activate makes lb the active version for lb.ID.
	Activate(ctx context.Context, lb *Lawbook) error
}

// cacheEntry holds one resolved lawbook. Errors are never cached; only
// successful lookups (including the "none configured" nil) enter the cache.
type cacheEntry struct {
	lb        *Lawbook
	fetchedAt time.Time
}

// Resolver exposes the active rulebook with a per-ID, per-process cache.
// The TTL is short (≤ 60 s); activation invalidates explicitly.
type Resolver struct {
	store  Store
	ttl    time.Duration
	mu     sync.RWMutex
	cache  map[string]cacheEntry
	logger *log.Logger
	now    func() time.Time
}

// NewResolver creates a resolver over a store. A non-positive ttl gets the
// 60 s ceiling.
func NewResolver(store Store, ttl time.Duration) *Resolver {
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	return &Resolver{
		store:  store,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
		logger: log.New(log.Writer(), "[LAWBOOK] ", log.LstdFlags),
		now:    time.Now,
	}
}

// GetActive returns the active lawbook or nil when none is configured.
// Passive paths (ingestion) use this and tolerate nil.
func (r *Resolver) GetActive(ctx context.Context, id string) (*Lawbook, error) {
	if id == "" {
		id = DefaultID
	}

	r.mu.RLock()
	entry, ok := r.cache[id]
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		return entry.lb, nil
	}

	lb, err := r.store.GetActive(ctx, id)
	if err != nil {
		// Do not cache failures; the next caller retries the store.
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = cacheEntry{lb: lb, fetchedAt: r.now()}
	r.mu.Unlock()
	return lb, nil
}

// RequireActive is the fail-closed form used by every gating write path:
// no active lawbook is LAWBOOK_NOT_CONFIGURED.
func (r *Resolver) RequireActive(ctx context.Context, id string) (*Lawbook, error) {
	lb, err := r.GetActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if lb == nil {
		return nil, errcode.Newf(errcode.LawbookNotConfigured, "no active lawbook for %q", orDefault(id))
	}
	return lb, nil
}

// ActiveVersion returns the active version string or "" when none.
func (r *Resolver) ActiveVersion(ctx context.Context, id string) (string, error) {
	lb, err := r.GetActive(ctx, id)
	if err != nil || lb == nil {
		return "", err
	}
	return lb.Version, nil
}

// Attach merges a lawbookVersion field onto an artifact map if absent.
// An explicit value the caller already set is preserved.
func (r *Resolver) Attach(ctx context.Context, id string, artifact map[string]interface{}) map[string]interface{} {
	if artifact == nil {
		artifact = make(map[string]interface{})
	}
	if _, ok := artifact["lawbookVersion"]; ok {
		return artifact
	}
	version, err := r.ActiveVersion(ctx, id)
	if err != nil {
		r.logger.Printf("⚠️  attach: lawbook lookup failed: %v", err)
		return artifact
	}
	if version != "" {
		artifact["lawbookVersion"] = version
	}
	return artifact
}

// Activate writes through to the store and invalidates the cache entry.
func (r *Resolver) Activate(ctx context.Context, lb *Lawbook) error {
	if lb.Hash == "" {
		h, err := lb.ComputeHash()
		if err != nil {
			return err
		}
		lb.Hash = h
	}
	if lb.ActivatedAt.IsZero() {
		lb.ActivatedAt = r.now().UTC()
	}
	if err := r.store.Activate(ctx, lb); err != nil {
		return err
	}
	r.Invalidate(lb.ID)
	r.logger.Printf("✅ lawbook %s version %s activated", lb.ID, lb.Version)
	return nil
}

// Invalidate drops the cache entry for a rulebook ID.
func (r *Resolver) Invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func orDefault(id string) string {
	if id == "" {
		return DefaultID
	}
	return id
}

// MemoryStore is the in-process lawbook store used in tests and when the
// database is disabled.
type MemoryStore struct {
	mu     sync.RWMutex
	active map[string]*Lawbook
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{active: make(map[string]*Lawbook)}
}

func (s *MemoryStore) GetActive(ctx context.Context, id string) (*Lawbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lb, ok := s.active[id]
	if !ok {
		return nil, nil
	}
	cp := *lb
	return &cp, nil
}

func (s *MemoryStore) Activate(ctx context.Context, lb *Lawbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *lb
	s.active[lb.ID] = &cp
	return nil
}
