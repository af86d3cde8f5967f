// Package permission implements the Permission Predicate (C11): allows()
// over the pkg/identity variants, with a short-TTL decision cache. See
// spec §4.11.
package permission

import (
	"sync"
	"time"

	"github.com/memoryplane/memoryplane/pkg/identity"
)

// ConsentGrant records that requestingIdentity may act as targetAddress
// within scope, per spec §3's ConsentGrant entity.
type ConsentGrant struct {
	RequestingIdentity string
	TargetAddress      string
	Scope              string
	GrantedAt          time.Time
	ExpiresAt          *time.Time // nil means no expiry
}

func (g ConsentGrant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Evaluator decides a role- or condition-gated identity. Returns false for
// any key it does not recognize (spec §4.11: "unknown keys deny").
type Evaluator interface {
	Evaluate(requestingIdentity string, key string) bool
}

// EvaluatorFunc adapts a function to an [Evaluator].
type EvaluatorFunc func(requestingIdentity, key string) bool

func (f EvaluatorFunc) Evaluate(requestingIdentity, key string) bool { return f(requestingIdentity, key) }

// GrantStore looks up consent grants for app-gated identities.
type GrantStore interface {
	// Grants returns every grant for (requestingIdentity, targetAddress, scope).
	Grants(requestingIdentity, targetAddress, scope string) []ConsentGrant
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// Checker implements allows() with a short-TTL decision cache.
type Checker struct {
	grants     GrantStore
	roles      Evaluator
	conditions Evaluator
	ttl        time.Duration
	clock      func() time.Time
	mu         sync.Mutex
	cache      map[string]cacheEntry
}

// Config configures a [Checker].
type Config struct {
	Grants     GrantStore
	Roles      Evaluator
	Conditions Evaluator
	TTL        time.Duration
}

// New builds a [Checker]. TTL defaults to 30s per spec §4.11.
func New(cfg Config) *Checker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Checker{
		grants:     cfg.Grants,
		roles:      cfg.Roles,
		conditions: cfg.Conditions,
		ttl:        ttl,
		clock:      time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

func cacheKey(requestingIdentity string, target identity.Identity, scope string) string {
	return requestingIdentity + "\x00" + target.String() + "\x00" + scope
}

// Allows reports whether requestingIdentity may access target under scope,
// per the semantics in spec §4.11. Decisions are cached for the checker's
// TTL; call Invalidate on rotation events to bypass the cache early.
func (c *Checker) Allows(requestingIdentity string, target identity.Identity, scope string) bool {
	key := cacheKey(requestingIdentity, target, scope)
	now := c.clock()

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.allowed
	}
	c.mu.Unlock()

	allowed := c.evaluate(requestingIdentity, target, scope, now)

	c.mu.Lock()
	c.cache[key] = cacheEntry{allowed: allowed, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return allowed
}

func (c *Checker) evaluate(requestingIdentity string, target identity.Identity, scope string, now time.Time) bool {
	switch target.Kind {
	case identity.Self:
		return requestingIdentity == target.Address

	case identity.App:
		if c.grants == nil {
			return false
		}
		for _, g := range c.grants.Grants(requestingIdentity, target.Address, scope) {
			if !g.expired(now) {
				return true
			}
		}
		return false

	case identity.Time:
		if now.UnixMilli() < target.UnlockMS {
			return false
		}
		return requestingIdentity == target.Address

	case identity.Role:
		if c.roles == nil {
			return false
		}
		return c.roles.Evaluate(requestingIdentity, target.RoleID)

	case identity.Cond:
		if c.conditions == nil {
			return false
		}
		// Keyed by the same 16-char prefix the identity serialises to.
		h := target.ConditionHash
		if len(h) > 16 {
			h = h[:16]
		}
		return c.conditions.Evaluate(requestingIdentity, h)

	default:
		return false
	}
}

// Invalidate discards every cached decision, forcing re-evaluation on next
// Allows call. Called on rotation events per spec §4.11.
func (c *Checker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}
