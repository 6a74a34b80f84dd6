package weekly

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// Free account limits.
const (
	MaxAppIDs         = 10
	MaxConcurrentApps = 3
	AppIDWindow       = 7 * 24 * time.Hour
)

// QuotaTracker is an advisory view of a free account's quota. Apple is
// authoritative: the tracker refuses only what Apple has already refused
// or what the concurrent app rule forbids.
type QuotaTracker struct {
	mu  sync.Mutex
	now func() time.Time

	// bundle id -> expiry of the registration
	appIDs *cache.Cache
	// bundle id -> expiry of the signed app's profile
	apps *cache.Cache
	// set after Apple reported the app id limit
	fullUntil time.Time
	// bundle id -> signings in flight that hold a concurrent slot
	reserved map[string]int
}

// NewQuotaTracker returns an empty tracker. A nil now uses time.Now.
func NewQuotaTracker(now func() time.Time) *QuotaTracker {
	if now == nil {
		now = time.Now
	}
	return &QuotaTracker{
		now:      now,
		appIDs:   cache.New(cache.NoExpiration, time.Hour),
		apps:     cache.New(cache.NoExpiration, time.Hour),
		reserved: make(map[string]int),
	}
}

// set stores expires under key. The cache TTL only reclaims memory; expiry
// is judged against the tracker's clock.
func (q *QuotaTracker) set(c *cache.Cache, key string, expires time.Time) {
	ttl := expires.Sub(q.now())
	if ttl <= 0 {
		c.Delete(key)
		return
	}
	c.Set(key, expires, ttl+time.Hour)
}

// live returns the unexpired keys of c, purging the rest.
func (q *QuotaTracker) live(c *cache.Cache) map[string]time.Time {
	now := q.now()
	out := make(map[string]time.Time)
	for k, item := range c.Items() {
		exp, _ := item.Object.(time.Time)
		if !now.Before(exp) {
			c.Delete(k)
			continue
		}
		out[k] = exp
	}
	return out
}

// Reconcile replaces the tracked app ids with what Apple lists.
func (q *QuotaTracker) Reconcile(ids []AppID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	listed := make(map[string]time.Time, len(ids))
	for _, id := range ids {
		exp := id.ExpirationDate
		if exp.IsZero() {
			exp = q.now().Add(AppIDWindow)
			if prev, ok := q.appIDs.Get(id.Identifier); ok {
				exp = prev.(time.Time)
			}
		}
		listed[id.Identifier] = exp
	}
	for k := range q.appIDs.Items() {
		if _, ok := listed[k]; !ok {
			q.appIDs.Delete(k)
		}
	}
	for k, exp := range listed {
		q.set(q.appIDs, k, exp)
	}
}

// RecordAppID tracks a fresh registration of bundleID.
func (q *QuotaTracker) RecordAppID(bundleID string, expires time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if expires.IsZero() {
		expires = q.now().Add(AppIDWindow)
	}
	q.set(q.appIDs, bundleID, expires)
}

// AppIDCount is the number of unexpired tracked registrations.
func (q *QuotaTracker) AppIDCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live(q.appIDs))
}

// MarkFull records that Apple refused a registration. The window stays full
// until the earliest tracked registration ages out.
func (q *QuotaTracker) MarkFull() {
	q.mu.Lock()
	defer q.mu.Unlock()
	until := q.now().Add(AppIDWindow)
	for _, exp := range q.live(q.appIDs) {
		if exp.Before(until) {
			until = exp
		}
	}
	q.fullUntil = until
}

// WindowFull reports whether Apple refused a registration that has not yet
// aged out.
func (q *QuotaTracker) WindowFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now().Before(q.fullUntil)
}

// occupied returns every app holding a concurrent slot: the signed ones
// and those with a signing in flight. Callers hold q.mu.
func (q *QuotaTracker) occupied() map[string]time.Time {
	apps := q.live(q.apps)
	for id := range q.reserved {
		if _, ok := apps[id]; !ok {
			apps[id] = time.Time{}
		}
	}
	return apps
}

func (q *QuotaTracker) checkLocked(bundleID string) error {
	apps := q.occupied()
	if _, ok := apps[bundleID]; ok {
		return nil
	}
	if len(apps) >= MaxConcurrentApps {
		return signerr.Ef("weekly.quota", signerr.ErrConcurrentAppLimitReached,
			"%d apps are already signed or being signed (%v); retire one first", len(apps), sortedKeys(apps))
	}
	return nil
}

// CheckConcurrent fails when bundleID would be a new app beyond the
// concurrent limit.
func (q *QuotaTracker) CheckConcurrent(bundleID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkLocked(bundleID)
}

// Reserve claims a concurrent slot for bundleID until Release. Signings of
// the same bundle id share a slot.
func (q *QuotaTracker) Reserve(bundleID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLocked(bundleID); err != nil {
		return err
	}
	q.reserved[bundleID]++
	return nil
}

// Release drops one reservation of bundleID.
func (q *QuotaTracker) Release(bundleID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved[bundleID] <= 1 {
		delete(q.reserved, bundleID)
		return
	}
	q.reserved[bundleID]--
}

// RecordApp tracks bundleID as signed until expires.
func (q *QuotaTracker) RecordApp(bundleID string, expires time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.set(q.apps, bundleID, expires)
}

// Retire stops tracking bundleID as a signed app.
func (q *QuotaTracker) Retire(bundleID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.apps.Delete(bundleID)
}

// Apps lists the tracked signed apps.
func (q *QuotaTracker) Apps() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedKeys(q.live(q.apps))
}

func sortedKeys(m map[string]time.Time) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
