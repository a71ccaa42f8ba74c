package cache

import (
	"cmp"
	"container/list"
	"slices"
	"sync"
	"time"

	"github.com/Sternrassler/alertfeed/pkg/alert"
)

// DefaultCapacity is the cache bound used when none is configured.
const DefaultCapacity = 1000

// Filter selects alerts from the cache. Zero fields do not filter.
type Filter struct {
	// Lists keeps alerts that matched at least one of these list ids.
	Lists []string

	// Since keeps alerts with a timestamp strictly after it.
	Since time.Time
}

// Matches reports whether a passes the filter.
func (f Filter) Matches(a alert.Alert) bool {
	if !f.Since.IsZero() && !a.Timestamp.After(f.Since) {
		return false
	}
	return a.InAnyList(f.Lists)
}

type entry struct {
	alert alert.Alert
	seq   uint64
}

// AlertCache is a bounded, deduplicated alert store. It is safe for
// concurrent use; each Add is applied atomically.
type AlertCache struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // of *entry, oldest insertion at the front
	index    map[string]*list.Element
	seq      uint64
}

// New creates a cache holding at most capacity alerts. A non-positive
// capacity uses DefaultCapacity.
func New(capacity int) *AlertCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &AlertCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Capacity returns the cache bound.
func (c *AlertCache) Capacity() int {
	return c.capacity
}

// Add upserts alerts by id in the given order, then evicts the
// oldest-inserted alerts beyond the bound. It returns the alerts whose ids
// were not cached before the call and are still cached after it.
func (c *AlertCache) Add(alerts ...alert.Alert) []alert.Alert {
	if len(alerts) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := make(map[string]bool)
	for _, a := range alerts {
		if a.ID == "" {
			continue
		}
		c.seq++
		if el, ok := c.index[a.ID]; ok {
			e := el.Value.(*entry)
			e.alert = a
			e.seq = c.seq
			c.order.MoveToBack(el)
			continue
		}
		c.index[a.ID] = c.order.PushBack(&entry{alert: a, seq: c.seq})
		fresh[a.ID] = true
	}

	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		e := c.order.Remove(oldest).(*entry)
		delete(c.index, e.alert.ID)
		delete(fresh, e.alert.ID)
		CacheEvictions.Inc()
	}
	CacheSize.Set(float64(c.order.Len()))

	added := make([]alert.Alert, 0, len(fresh))
	for _, a := range alerts {
		if fresh[a.ID] {
			added = append(added, c.index[a.ID].Value.(*entry).alert)
			delete(fresh, a.ID)
		}
	}
	CacheInserts.Add(float64(len(added)))
	return added
}

// Query returns the cached alerts passing f, newest first by timestamp.
// Alerts with equal timestamps are ordered by most recent insertion.
func (c *AlertCache) Query(f Filter) []alert.Alert {
	c.mu.RLock()
	matched := make([]*entry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if f.Matches(e.alert) {
			matched = append(matched, e)
		}
	}
	c.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *entry) int {
		if n := b.alert.Timestamp.Compare(a.alert.Timestamp); n != 0 {
			return n
		}
		return cmp.Compare(b.seq, a.seq)
	})

	out := make([]alert.Alert, len(matched))
	for i, e := range matched {
		out[i] = e.alert
	}
	return out
}

// Get returns the alert cached under id.
func (c *AlertCache) Get(id string) (alert.Alert, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.index[id]
	if !ok {
		CacheMisses.Inc()
		return alert.Alert{}, false
	}
	CacheHits.Inc()
	return el.Value.(*entry).alert, true
}

// Len returns the number of cached alerts.
func (c *AlertCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Oldest returns the oldest alert timestamp held, or false if the cache is
// empty.
func (c *AlertCache) Oldest() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var oldest time.Time
	for el := c.order.Front(); el != nil; el = el.Next() {
		ts := el.Value.(*entry).alert.Timestamp
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}
	return oldest, c.order.Len() > 0
}

// Clear removes every alert.
func (c *AlertCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	clear(c.index)
	CacheSize.Set(0)
}
