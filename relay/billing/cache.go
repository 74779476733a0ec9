package billing

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	ruleCacheTTL        = 300 * time.Second
	ruleCacheMaxEntries = 2048
)

// ruleCache memoizes rule resolution per (provider, model, task, require).
// Per-process only; staleness is bounded by the TTL. With a uniform TTL the
// entry expiration order equals insertion order, which the overflow eviction
// relies on.
type ruleCache struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

var resolvedRules = newRuleCache()

func newRuleCache() *ruleCache {
	return &ruleCache{
		cache: gocache.New(ruleCacheTTL, 10*time.Minute),
	}
}

func ruleCacheKey(providerId int, modelName, taskType string, requireRule bool) string {
	return fmt.Sprintf("%d|%s|%s|%t", providerId, modelName, taskType, requireRule)
}

// Get returns the cached rule and whether the key was present. A cached nil
// records a definitive "no rule" answer.
func (c *ruleCache) Get(key string) (*VirtualBillingRule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	rule, _ := v.(*VirtualBillingRule)
	return rule, true
}

func (c *ruleCache) Set(key string, rule *VirtualBillingRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.ItemCount() >= ruleCacheMaxEntries {
		c.evictOldestQuarter()
	}
	c.cache.SetDefault(key, rule)
}

// evictOldestQuarter drops the quarter of entries closest to expiry. Caller
// holds mu.
func (c *ruleCache) evictOldestQuarter() {
	items := c.cache.Items()
	type aged struct {
		key string
		exp int64
	}
	entries := make([]aged, 0, len(items))
	for k, item := range items {
		entries = append(entries, aged{key: k, exp: item.Expiration})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].exp < entries[j].exp })
	for _, e := range entries[:len(entries)/4] {
		c.cache.Delete(e.key)
	}
}

// InvalidateAll drops every cached rule in this process.
func InvalidateAll() {
	resolvedRules.mu.Lock()
	defer resolvedRules.mu.Unlock()
	resolvedRules.cache.Flush()
}

// InvalidateModel drops cached rules for one model name across all providers
// and task types in this process.
func InvalidateModel(modelName string) {
	resolvedRules.mu.Lock()
	defer resolvedRules.mu.Unlock()
	needle := "|" + modelName + "|"
	for k := range resolvedRules.cache.Items() {
		if strings.Contains(k, needle) {
			resolvedRules.cache.Delete(k)
		}
	}
}
