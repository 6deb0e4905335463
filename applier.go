package beandb

import (
	"cmp"
	"log/slog"
	"slices"
)

// ProcessAdditionsForContainer implements Applier by inserting into the open
// container instance, opening it from stored metadata if needed.
func (db *DB) ProcessAdditionsForContainer(ck ContainerKey, additions []*BeanAddition) error {
	if len(additions) == 0 {
		return nil
	}
	for _, a := range additions {
		db.types.Register(a.Type)
	}
	c, err := db.openStoredContainer(ck, additions[0].Type)
	if err != nil {
		return err
	}
	return c.applyAdditions(additions)
}

// ProcessRemovals implements Applier. Container removals are grouped by
// container and keep their order, which is highest index first.
func (db *DB) ProcessRemovals(keys []Key) error {
	var order []ContainerKey
	byContainer := make(map[ContainerKey][]int)
	var singles []SingleKey
	for _, k := range keys {
		switch k := k.(type) {
		case CurrentIndexKey:
			if _, ok := byContainer[k.Container]; !ok {
				order = append(order, k.Container)
			}
			byContainer[k.Container] = append(byContainer[k.Container], k.Index)
		case SingleKey:
			singles = append(singles, k)
		default:
			return stateErrf(k, nil, "cannot remove %T", k)
		}
	}

	for _, ck := range order {
		indices := byContainer[ck]
		if !slices.IsSortedFunc(indices, func(a, b int) int { return cmp.Compare(b, a) }) {
			return stateErrf(ck, nil, "removals not in descending order: %v", indices)
		}
		c, err := db.openStoredContainer(ck, nil)
		if err != nil {
			return err
		}
		if err := c.applyRemovals(indices); err != nil {
			return err
		}
	}

	if len(singles) > 0 {
		if err := db.deleteSingles(singles); err != nil {
			return err
		}
	}
	return nil
}

// ProcessChangesForContainerBean implements Applier.
func (db *DB) ProcessChangesForContainerBean(key CurrentIndexKey, changes []FieldChange) error {
	c, err := db.openStoredContainer(key.Container, nil)
	if err != nil {
		return err
	}
	return c.applyChanges(key.Index, changes)
}

// ProcessChangesForSingleBean implements Applier. The single bean must have
// been opened, so that its row and type exist.
func (db *DB) ProcessChangesForSingleBean(key SingleKey, changes []FieldChange) error {
	return db.writeSingleChanges(key, changes)
}

// RollbackChanges implements Applier. Staged changes never reach the store
// before commit, so there is nothing to undo.
func (db *DB) RollbackChanges() error {
	if db.verbose {
		db.logger.Debug("beandb: rollback", slog.Int("open_scopes", db.mgr.OpenScopes()))
	}
	return nil
}
