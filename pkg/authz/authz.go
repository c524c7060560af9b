// Package authz evaluates the capability checks that guard every action.
package authz

import (
	"errors"
	"fmt"

	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/types"
)

// ErrPermissionDenied is wrapped by Check when a subject is not granted
var ErrPermissionDenied = errors.New("permission denied")

// Subject is one capability an action requires: an action group on an object
type Subject struct {
	ObjectID   string
	ObjectType types.ObjectType
	Group      types.ActionGroup
}

func (s Subject) String() string {
	return fmt.Sprintf("%s on %s %s", s.Group, s.ObjectType, s.ObjectID)
}

// Authorizer answers whether a user holds an action group on an object
type Authorizer interface {
	HasPermission(userID string, group types.ActionGroup, objectID string, objectType types.ObjectType) bool
}

// PermissionLister reads the grants of one user
type PermissionLister interface {
	ListPermissionsByUser(userID string) ([]*types.Permission, error)
}

// StoreAuthorizer evaluates grants read from the replicated store on every call
type StoreAuthorizer struct {
	perms PermissionLister
}

// NewStoreAuthorizer creates an authorizer backed by the permission store
func NewStoreAuthorizer(perms PermissionLister) *StoreAuthorizer {
	return &StoreAuthorizer{perms: perms}
}

// HasPermission denies on lookup errors.
func (a *StoreAuthorizer) HasPermission(userID string, group types.ActionGroup, objectID string, objectType types.ObjectType) bool {
	perms, err := a.perms.ListPermissionsByUser(userID)
	if err != nil {
		logger := log.WithComponent("authz")
		logger.Error().Err(err).Str("user_id", userID).Msg("Failed to read permissions")
		return false
	}

	for _, p := range perms {
		if grants(p, group, objectID, objectType) {
			return true
		}
	}
	return false
}

func grants(p *types.Permission, group types.ActionGroup, objectID string, objectType types.ObjectType) bool {
	switch {
	case p.ObjectType == types.ObjectTypeSystem:
	case p.ObjectType == objectType && (p.ObjectID == "*" || p.ObjectID == objectID):
	default:
		return false
	}
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Check requires every subject, stopping at the first denial
func Check(a Authorizer, userID string, subjects []Subject) error {
	for _, s := range subjects {
		if !a.HasPermission(userID, s.Group, s.ObjectID, s.ObjectType) {
			return fmt.Errorf("%w: user %s lacks %s", ErrPermissionDenied, userID, s)
		}
	}
	return nil
}
