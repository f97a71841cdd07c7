package lock

import (
	"cmp"
	"fmt"
)

// Scope is the kind of thing a Key names. Scopes are not nested: holding an
// object lock says nothing about its attribute locks.
type Scope uint8

const (
	ScopeAttribute Scope = iota + 1
	ScopeObject
	ScopeRootVolume
	ScopeFilesystem
)

func (s Scope) String() string {
	switch s {
	case ScopeAttribute:
		return "attribute"
	case ScopeObject:
		return "object"
	case ScopeRootVolume:
		return "root-volume"
	case ScopeFilesystem:
		return "filesystem"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

type Key struct {
	Scope       Scope
	StoreID     uint64
	ObjectID    uint64
	AttributeID uint64
}

func AttributeKey(storeID, objectID, attributeID uint64) Key {
	return Key{Scope: ScopeAttribute, StoreID: storeID, ObjectID: objectID, AttributeID: attributeID}
}

func ObjectKey(storeID, objectID uint64) Key {
	return Key{Scope: ScopeObject, StoreID: storeID, ObjectID: objectID}
}

func RootVolumeKey() Key {
	return Key{Scope: ScopeRootVolume}
}

func FilesystemKey() Key {
	return Key{Scope: ScopeFilesystem}
}

// Compare is the order locks are taken in.
func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.Scope, other.Scope); c != 0 {
		return c
	}
	if c := cmp.Compare(k.StoreID, other.StoreID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.ObjectID, other.ObjectID); c != 0 {
		return c
	}
	return cmp.Compare(k.AttributeID, other.AttributeID)
}

func (k Key) String() string {
	switch k.Scope {
	case ScopeAttribute:
		return fmt.Sprintf("attribute:%d/%d/%d", k.StoreID, k.ObjectID, k.AttributeID)
	case ScopeObject:
		return fmt.Sprintf("object:%d/%d", k.StoreID, k.ObjectID)
	default:
		return k.Scope.String()
	}
}
