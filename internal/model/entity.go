package model

import "fmt"

// EntityType identifies the kind of record a mutation or delta refers to.
// It is a closed enum shared by the queue, the sync engine, and the server
// so that routing never depends on free-form strings.
type EntityType string

const (
	EntityUser         EntityType = "user"
	EntitySubscription EntityType = "subscription"
	EntityTrip         EntityType = "trip"
	EntityVehicle      EntityType = "vehicle"
	EntityExpense      EntityType = "expense"
	EntityLicense      EntityType = "license"
	EntityProAccount   EntityType = "pro_account"
	EntityCompanyLink  EntityType = "company_link"
)

// AllEntityTypes lists every valid entity type, in sync priority order:
// structural records first, high-volume trip data last.
var AllEntityTypes = []EntityType{
	EntityUser,
	EntitySubscription,
	EntityProAccount,
	EntityCompanyLink,
	EntityLicense,
	EntityVehicle,
	EntityTrip,
	EntityExpense,
}

// ParseEntityType validates a wire-level entity type string.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range AllEntityTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// MutationAction is the operation a pending mutation performs.
type MutationAction string

const (
	ActionCreate MutationAction = "create"
	ActionUpdate MutationAction = "update"
	ActionDelete MutationAction = "delete"
)

// ParseMutationAction validates a wire-level action string.
func ParseMutationAction(s string) (MutationAction, error) {
	switch MutationAction(s) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return MutationAction(s), nil
	}
	return "", fmt.Errorf("unknown mutation action %q", s)
}
