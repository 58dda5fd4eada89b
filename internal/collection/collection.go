// Package collection holds the persisted working set of observations and insights.
package collection

import (
	"strings"
	"sync"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
	"github.com/hyperjump/matome/internal/models"
)

const where = "collection"

// Collection maps item IDs to items. Items are never removed and IDs never change;
// evidence and merged lists only grow. Safe for concurrent use.
type Collection struct {
	mu       sync.RWMutex
	items    map[string]*models.Item
	order    []string
	counters map[string]uint64
}

// Stats summarizes a collection.
type Stats struct {
	Items    int         `json:"items"`
	Raw      int         `json:"raw"`
	Insights int         `json:"insights"`
	ByLevel  map[int]int `json:"by_level"`
}

// New returns an empty collection.
func New() *Collection {
	return &Collection{
		items:    make(map[string]*models.Item),
		counters: make(map[string]uint64),
	}
}

// NextID allocates the next ID in namespace. IDs are never reused, even if the
// allocated ID is never added.
func (c *Collection) NextID(namespace string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := models.NewItemID(namespace, c.counters[namespace]).String()
		c.counters[namespace]++
		if _, taken := c.items[id]; !taken {
			return id
		}
	}
}

// Add stores a copy of it. Fails with DUPLICATE_ID if the ID exists.
func (c *Collection) Add(it *models.Item) error {
	if it == nil || strings.TrimSpace(it.ID) == "" {
		return matomeerrors.NewInvalidInput("item id is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(it.Clone())
}

func (c *Collection) addLocked(it *models.Item) error {
	if _, ok := c.items[it.ID]; ok {
		return matomeerrors.NewDuplicateID(where, it.ID)
	}
	if it.Evidence == nil {
		it.Evidence = models.Evidence{}
	}
	c.items[it.ID] = it
	c.order = append(c.order, it.ID)
	c.observeLocked(it.ID)
	return nil
}

// observeLocked moves the namespace counter past id so NextID never returns it.
func (c *Collection) observeLocked(id string) {
	parsed, err := models.ParseItemID(id)
	if err != nil {
		return
	}
	if parsed.Local >= c.counters[parsed.Namespace] {
		c.counters[parsed.Namespace] = parsed.Local + 1
	}
}

// Get returns a copy of the item.
func (c *Collection) Get(id string) (*models.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return it.Clone(), true
}

// Contains reports whether id exists.
func (c *Collection) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[id]
	return ok
}

// AppendEvidence appends evidence to the item. Fails with NOT_FOUND if absent.
func (c *Collection) AppendEvidence(id string, evidence ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return matomeerrors.NewNotFound(where, id)
	}
	for _, ev := range evidence {
		if strings.TrimSpace(ev) != "" {
			it.Evidence = append(it.Evidence, ev)
		}
	}
	return nil
}

// ExtendMerged unions ids into the item's merged list, keeping first-seen order
// and skipping the item's own ID. Fails with NOT_FOUND if absent.
func (c *Collection) ExtendMerged(id string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return matomeerrors.NewNotFound(where, id)
	}
	seen := make(map[string]bool, len(it.Merged)+len(ids))
	for _, m := range it.Merged {
		seen[m] = true
	}
	for _, m := range ids {
		if m == id || seen[m] {
			continue
		}
		seen[m] = true
		it.Merged = append(it.Merged, m)
	}
	return nil
}

// SetInterest records the interestingness verdict on an item.
func (c *Collection) SetInterest(id string, score int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return matomeerrors.NewNotFound(where, id)
	}
	it.Interestingness = score
	it.Reason = reason
	return nil
}

// Len returns the number of items.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Items returns copies of all items in insertion order.
func (c *Collection) Items() []*models.Item {
	return c.Filter(nil)
}

// Filter returns copies of the items keep accepts, in insertion order. A nil keep accepts all.
func (c *Collection) Filter(keep func(*models.Item) bool) []*models.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Item, 0, len(c.order))
	for _, id := range c.order {
		it := c.items[id]
		if keep == nil || keep(it) {
			out = append(out, it.Clone())
		}
	}
	return out
}

// Stats counts items per level.
func (c *Collection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{Items: len(c.items), ByLevel: make(map[int]int)}
	for _, it := range c.items {
		s.ByLevel[it.Level]++
		if it.Level == 0 {
			s.Raw++
		} else {
			s.Insights++
		}
	}
	return s
}

// Import copies every item of other into c under the outer namespace: "12" becomes
// "<namespace>-12" and merged lists are rewritten the same way. Returns the number imported.
// Fails with DUPLICATE_ID, leaving c unchanged, if any rewritten ID already exists.
func (c *Collection) Import(namespace string, other *Collection) (int, error) {
	if namespace == "" {
		return 0, matomeerrors.NewInvalidInput("import namespace is empty")
	}
	incoming := other.Items()
	for _, it := range incoming {
		it.ID = prefixID(namespace, it.ID)
		for i, m := range it.Merged {
			it.Merged[i] = prefixID(namespace, m)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range incoming {
		if _, ok := c.items[it.ID]; ok {
			return 0, matomeerrors.NewDuplicateID(where, it.ID)
		}
	}
	for _, it := range incoming {
		if err := c.addLocked(it); err != nil {
			return 0, err
		}
	}
	return len(incoming), nil
}

func prefixID(namespace, id string) string {
	parsed, err := models.ParseItemID(id)
	if err != nil {
		return namespace + "-" + id
	}
	return parsed.Prefixed(namespace).String()
}
