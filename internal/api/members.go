package api

import (
	"context"

	lru "github.com/hashicorp/golang-lru"

	"github.com/bardlex/orepool/internal/pool"
)

// memberCache keeps authority to member lookups in memory. Only identity
// fields of a cached member are read; balances come from the store.
type memberCache struct {
	store MemberStore
	cache *lru.Cache
}

func newMemberCache(store MemberStore, size int) (*memberCache, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &memberCache{store: store, cache: cache}, nil
}

func (m *memberCache) lookup(ctx context.Context, authority pool.Pubkey) (*pool.Member, error) {
	if v, ok := m.cache.Get(authority); ok {
		// only *pool.Member values are added
		return v.(*pool.Member), nil
	}

	member, err := m.store.GetByAuthority(ctx, authority)
	if err != nil {
		return nil, err
	}
	m.cache.Add(authority, member)
	return member, nil
}

func (m *memberCache) register(ctx context.Context, member pool.Member) (*pool.Member, error) {
	stored, err := m.store.GetOrCreateMember(ctx, member)
	if err != nil {
		return nil, err
	}
	m.cache.Add(stored.Authority, stored)
	return stored, nil
}
