package beandb

import "strconv"

// ContainerKey names an ordered collection of beans.
type ContainerKey string

func (k ContainerKey) String() string { return string(k) }

// CurrentIndexKey addresses a bean by its position as seen by the active
// scope, i.e. with the scope's staged changes applied.
type CurrentIndexKey struct {
	Container ContainerKey
	Index     int
}

func (k CurrentIndexKey) String() string {
	return string(k.Container) + "[" + strconv.Itoa(k.Index) + "]"
}

// InitialIndexKey addresses a bean by its position in the persisted snapshot.
// Only the Loader sees these.
type InitialIndexKey struct {
	Container ContainerKey
	Index     int
}

func (k InitialIndexKey) String() string {
	return string(k.Container) + "@" + strconv.Itoa(k.Index)
}

// SingleKey identifies a standalone bean.
type SingleKey string

func (k SingleKey) String() string { return string(k) }

// Key is either a CurrentIndexKey or a SingleKey.
type Key interface {
	String() string
	claim() string
}

func (k CurrentIndexKey) claim() string { return k.Container.claim() }
func (k SingleKey) claim() string       { return "s:" + string(k) }
func (k ContainerKey) claim() string    { return "c:" + string(k) }
