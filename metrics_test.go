package beandb

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	db := setup(t, Options{})
	c := openItems(t, db, "items")
	require.NoError(t, c.Add(item(t, 1, "")))
	require.NoError(t, c.Add(item(t, 2, "")))
	require.NoError(t, db.Do(func(s *Scope) error {
		return s.RegisterBeanRemoval(CurrentIndexKey{"items", 0})
	}))
	s := db.Begin()
	require.NoError(t, s.RegisterSingleBeanValueChange("cfg", "x", 1))

	coll := NewCollector(db)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(coll))

	expected := `
# HELP beandb_beans_added_total Total number of beans added to containers
# TYPE beandb_beans_added_total counter
beandb_beans_added_total 2
# HELP beandb_beans_removed_total Total number of beans removed from containers
# TYPE beandb_beans_removed_total counter
beandb_beans_removed_total 1
# HELP beandb_claimed_keys Number of containers and single beans claimed by open scopes
# TYPE beandb_claimed_keys gauge
beandb_claimed_keys 1
# HELP beandb_container_beans Number of beans in each open container
# TYPE beandb_container_beans gauge
beandb_container_beans{container="items"} 1
# HELP beandb_open_scopes Number of scopes neither committed nor rolled back
# TYPE beandb_open_scopes gauge
beandb_open_scopes 1
# HELP beandb_scopes_begun_total Total number of transaction scopes started
# TYPE beandb_scopes_begun_total counter
beandb_scopes_begun_total 2
# HELP beandb_scopes_committed_total Total number of transaction scopes committed
# TYPE beandb_scopes_committed_total counter
beandb_scopes_committed_total 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"beandb_beans_added_total",
		"beandb_beans_removed_total",
		"beandb_claimed_keys",
		"beandb_container_beans",
		"beandb_open_scopes",
		"beandb_scopes_begun_total",
		"beandb_scopes_committed_total",
	)
	assert.NoError(t, err)

	require.NoError(t, s.Rollback())
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP beandb_open_scopes Number of scopes neither committed nor rolled back
# TYPE beandb_open_scopes gauge
beandb_open_scopes 0
`), "beandb_open_scopes"))
	// no commit log, one container
	assert.Equal(t, 14, testutil.CollectAndCount(coll))
}
