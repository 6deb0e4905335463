package beandb

import (
	"sync"

	"github.com/tidwall/btree"
)

// keyRegistry maps claimed entity keys to the scope holding them. Claims are
// never waited on: a conflicting claim fails immediately.
type keyRegistry struct {
	mu     sync.Mutex
	owners btree.Map[string, *Scope]
}

func (r *keyRegistry) claim(key string, s *Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, found := r.owners.Get(key); found && owner != s {
		return &ConcurrentTransactionError{Key: key, Scope: s.ID(), Owner: owner.ID()}
	}
	r.owners.Set(key, s)
	return nil
}

func (r *keyRegistry) release(keys []string, s *Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if owner, found := r.owners.Get(key); found && owner == s {
			r.owners.Delete(key)
		}
	}
}

func (r *keyRegistry) owner(key string) *Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _ := r.owners.Get(key)
	return s
}

func (r *keyRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners.Len()
}
