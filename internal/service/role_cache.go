// role_cache.go — кэш realm-ролей Keycloak по имени.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/lms/user-service/internal/keycloak"
)

var roleCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "us_directory_role_cache_lookups_total",
	Help: "Обращения к кэшу realm-ролей Keycloak",
}, []string{"result"})

// roleCache — LRU с TTL: имя роли → представление realm-роли.
type roleCache struct {
	lru *expirable.LRU[string, keycloak.RoleRepresentation]
}

// newRoleCache создаёт кэш. size <= 0 — без ограничения размера.
func newRoleCache(size int, ttl time.Duration) *roleCache {
	if size < 0 {
		size = 0
	}
	return &roleCache{lru: expirable.NewLRU[string, keycloak.RoleRepresentation](size, nil, ttl)}
}

func (c *roleCache) get(name string) (keycloak.RoleRepresentation, bool) {
	role, ok := c.lru.Get(name)
	if ok {
		roleCacheLookups.WithLabelValues("hit").Inc()
	} else {
		roleCacheLookups.WithLabelValues("miss").Inc()
	}
	return role, ok
}

func (c *roleCache) add(role keycloak.RoleRepresentation) {
	c.lru.Add(role.Name, role)
}

func (c *roleCache) remove(names ...string) {
	for _, name := range names {
		c.lru.Remove(name)
	}
}

func (c *roleCache) len() int { return c.lru.Len() }
