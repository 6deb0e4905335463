package beandb

import (
	"cmp"

	"github.com/tidwall/btree"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func setKeys[K cmp.Ordered](set *btree.Set[K]) []K {
	keys := make([]K, 0, set.Len())
	set.Scan(func(k K) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}
