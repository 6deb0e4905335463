package beandb

// Loader reads persisted data. It never sees staged changes, and it only
// deals in initial indices.
type Loader interface {
	LoadContainerSize(ck ContainerKey) (int, error)
	LoadContainerBeanDataByIndex(key InitialIndexKey) (*RecordData, error)

	// LoadContainerBeanDataByIdentifiers returns nil data if no bean
	// matches all of ids.
	LoadContainerBeanDataByIdentifiers(ck ContainerKey, ids map[string]any) (*RecordData, error)

	LoadBeanTypeWithinContainer(key InitialIndexKey) (*RecordType, error)
	LoadSingleBeanData(key SingleKey) (*RecordData, error)
	FullContainerLoad(ck ContainerKey) (map[int]*RecordData, error)
}

// Applier persists the changes staged by a scope. Commit calls it in phase
// order; see Scope.Commit.
type Applier interface {
	// ProcessAdditionsForContainer receives additions in ascending index
	// order. Indices account for every addition before it in the slice.
	ProcessAdditionsForContainer(ck ContainerKey, additions []*BeanAddition) error

	// ProcessRemovals receives container removals highest index first per
	// container, expressed against the store with additions already applied,
	// followed by single bean removals.
	ProcessRemovals(keys []Key) error

	ProcessChangesForContainerBean(key CurrentIndexKey, changes []FieldChange) error
	ProcessChangesForSingleBean(key SingleKey, changes []FieldChange) error

	// RollbackChanges is invoked when a scope is rolled back.
	RollbackChanges() error
}

// BeanAddition is a staged insertion of a new bean.
type BeanAddition struct {
	Container ContainerKey
	Index     int
	Type      *RecordType
	Values    map[string]any
}

func (a *BeanAddition) key() CurrentIndexKey {
	return CurrentIndexKey{a.Container, a.Index}
}

// FieldChange is a staged value of one field.
type FieldChange struct {
	Field string
	Value any
}
