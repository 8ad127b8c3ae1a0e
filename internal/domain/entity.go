package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityType enumerates the addressable entity kinds. Each value maps to a
// physical row table sharing the conventional shape (id, created_time,
// tenant_id, ...).
type EntityType string

const (
	EntityTypeTenant     EntityType = "TENANT"
	EntityTypeCustomer   EntityType = "CUSTOMER"
	EntityTypeUser       EntityType = "USER"
	EntityTypeDashboard  EntityType = "DASHBOARD"
	EntityTypeAsset      EntityType = "ASSET"
	EntityTypeDevice     EntityType = "DEVICE"
	EntityTypeEntityView EntityType = "ENTITY_VIEW"
	EntityTypeAlarm      EntityType = "ALARM"
	EntityTypeRuleChain  EntityType = "RULE_CHAIN"
	EntityTypeRuleNode   EntityType = "RULE_NODE"
)

// EntityTypes lists every known entity type in declaration order.
var EntityTypes = []EntityType{
	EntityTypeTenant,
	EntityTypeCustomer,
	EntityTypeUser,
	EntityTypeDashboard,
	EntityTypeAsset,
	EntityTypeDevice,
	EntityTypeEntityView,
	EntityTypeAlarm,
	EntityTypeRuleChain,
	EntityTypeRuleNode,
}

// ParseEntityType validates a wire value against the closed enum.
func ParseEntityType(value string) (EntityType, error) {
	candidate := EntityType(strings.ToUpper(strings.TrimSpace(value)))
	for _, t := range EntityTypes {
		if t == candidate {
			return t, nil
		}
	}
	return "", NewInvalidQuery(fmt.Sprintf("unknown entity type %q", value))
}

// EntityID addresses a single entity as (type, uuid).
type EntityID struct {
	EntityType EntityType `json:"entityType"`
	ID         uuid.UUID  `json:"id"`
}

func NewEntityID(entityType EntityType, id uuid.UUID) EntityID {
	return EntityID{EntityType: entityType, ID: id}
}

func (e EntityID) String() string {
	return string(e.EntityType) + ":" + e.ID.String()
}

// Caller identifies the security principal a query runs as. CustomerID is
// uuid.Nil for tenant administrators.
type Caller struct {
	TenantID   uuid.UUID
	CustomerID uuid.UUID
}

// HasCustomerScope reports whether rows must additionally satisfy the
// customer predicate.
func (c Caller) HasCustomerScope() bool {
	return c.CustomerID != uuid.Nil
}

// RelationTypeGroup partitions the directed relation edges.
type RelationTypeGroup string

const (
	RelationTypeGroupCommon    RelationTypeGroup = "COMMON"
	RelationTypeGroupAlarm     RelationTypeGroup = "ALARM"
	RelationTypeGroupDashboard RelationTypeGroup = "DASHBOARD"
	RelationTypeGroupRuleChain RelationTypeGroup = "RULE_CHAIN"
	RelationTypeGroupRuleNode  RelationTypeGroup = "RULE_NODE"
)

// EntitySearchDirection selects which end of a relation edge the traversal
// follows.
type EntitySearchDirection string

const (
	SearchDirectionFrom EntitySearchDirection = "FROM"
	SearchDirectionTo   EntitySearchDirection = "TO"
)

func ParseSearchDirection(value string) (EntitySearchDirection, error) {
	switch EntitySearchDirection(strings.ToUpper(strings.TrimSpace(value))) {
	case SearchDirectionFrom:
		return SearchDirectionFrom, nil
	case SearchDirectionTo:
		return SearchDirectionTo, nil
	}
	return "", NewInvalidQuery(fmt.Sprintf("unknown search direction %q", value))
}
