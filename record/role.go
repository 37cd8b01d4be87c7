package record

import "fmt"

// StoreRole selects which namespaces an executor operates on. It is fixed when
// the executor is built.
type StoreRole int

const (
	// RoleMain reads and writes the main namespace only.
	RoleMain StoreRole = iota
	// RoleCache writes version-tagged rows into the cache namespace only.
	RoleCache
	// RoleMainAttachedToCache writes the main namespace and reads the cache one; used to migrate.
	RoleMainAttachedToCache
	// RoleCacheAttachedToMain writes the cache namespace and reads the main one.
	RoleCacheAttachedToMain
)

func (r StoreRole) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleCache:
		return "cache"
	case RoleMainAttachedToCache:
		return "main_attached_to_cache"
	case RoleCacheAttachedToMain:
		return "cache_attached_to_main"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// WritesCache reports whether inbound sync writes go to the cache namespace.
func (r StoreRole) WritesCache() bool {
	return r == RoleCache || r == RoleCacheAttachedToMain
}

// ReadsMain reports whether the main namespace is reachable.
func (r StoreRole) ReadsMain() bool {
	return r != RoleCache
}

// Attached reports whether both namespaces are reachable, as migration requires.
func (r StoreRole) Attached() bool {
	return r == RoleMainAttachedToCache || r == RoleCacheAttachedToMain
}

// ParseRole parses the String form of a role.
func ParseRole(s string) (StoreRole, error) {
	for _, r := range []StoreRole{RoleMain, RoleCache, RoleMainAttachedToCache, RoleCacheAttachedToMain} {
		if r.String() == s {
			return r, nil
		}
	}
	return RoleMain, fmt.Errorf("unknown store role %q", s)
}
