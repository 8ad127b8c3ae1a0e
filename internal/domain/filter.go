package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityFilter is the closed filter sum. Exactly one variant pointer is
// non-nil; dispatch lives in the query compiler.
type EntityFilter struct {
	EntityList       *EntityListFilter
	SingleEntity     *SingleEntityFilter
	EntityType       *EntityTypeFilter
	EntityName       *EntityNameFilter
	EntityViewType   *EntityViewTypeFilter
	DeviceType       *DeviceTypeFilter
	AssetType        *AssetTypeFilter
	RelationsQuery   *RelationsQueryFilter
	DeviceSearch     *DeviceSearchQueryFilter
	AssetSearch      *AssetSearchQueryFilter
	EntityViewSearch *EntityViewSearchQueryFilter
}

// EntityListFilter selects an explicit id list of one type.
type EntityListFilter struct {
	EntityType EntityType  `json:"entityType"`
	EntityList []uuid.UUID `json:"entityList"`
}

// SingleEntityFilter selects one entity.
type SingleEntityFilter struct {
	SingleEntity EntityID `json:"singleEntity"`
}

// EntityTypeFilter selects every entity of one type.
type EntityTypeFilter struct {
	EntityType EntityType `json:"entityType"`
}

// EntityNameFilter selects by type and case-insensitive name prefix.
type EntityNameFilter struct {
	EntityType       EntityType `json:"entityType"`
	EntityNameFilter string     `json:"entityNameFilter"`
}

// EntityViewTypeFilter selects entity views by subtype and name prefix.
type EntityViewTypeFilter struct {
	EntityViewType       string `json:"entityViewType"`
	EntityViewNameFilter string `json:"entityViewNameFilter"`
}

// DeviceTypeFilter selects devices by subtype and name prefix.
type DeviceTypeFilter struct {
	DeviceType       string `json:"deviceType"`
	DeviceNameFilter string `json:"deviceNameFilter"`
}

// AssetTypeFilter selects assets by subtype and name prefix.
type AssetTypeFilter struct {
	AssetType       string `json:"assetType"`
	AssetNameFilter string `json:"assetNameFilter"`
}

// RelationEntityTypeFilter narrows traversal results to entities reached over
// a given relation type, optionally restricted to entity types.
type RelationEntityTypeFilter struct {
	RelationType string       `json:"relationType"`
	EntityTypes  []EntityType `json:"entityTypes,omitempty"`
}

// RelationsQueryFilter selects the entities reachable from a root by a typed
// relation walk. MaxLevel 0 means unbounded.
type RelationsQueryFilter struct {
	RootEntity         *EntityID                  `json:"rootEntity"`
	Direction          EntitySearchDirection      `json:"direction"`
	MaxLevel           int                        `json:"maxLevel"`
	FetchLastLevelOnly bool                       `json:"fetchLastLevelOnly"`
	Filters            []RelationEntityTypeFilter `json:"filters,omitempty"`
}

// DeviceSearchQueryFilter is a relation walk fixed to DEVICE results over one
// relation type, narrowed by device subtypes.
type DeviceSearchQueryFilter struct {
	RootEntity   *EntityID             `json:"rootEntity"`
	Direction    EntitySearchDirection `json:"direction"`
	MaxLevel     int                   `json:"maxLevel"`
	RelationType string                `json:"relationType"`
	DeviceTypes  []string              `json:"deviceTypes,omitempty"`
}

// AssetSearchQueryFilter is the ASSET counterpart of DeviceSearchQueryFilter.
type AssetSearchQueryFilter struct {
	RootEntity   *EntityID             `json:"rootEntity"`
	Direction    EntitySearchDirection `json:"direction"`
	MaxLevel     int                   `json:"maxLevel"`
	RelationType string                `json:"relationType"`
	AssetTypes   []string              `json:"assetTypes,omitempty"`
}

// EntityViewSearchQueryFilter is the ENTITY_VIEW counterpart.
type EntityViewSearchQueryFilter struct {
	RootEntity      *EntityID             `json:"rootEntity"`
	Direction       EntitySearchDirection `json:"direction"`
	MaxLevel        int                   `json:"maxLevel"`
	RelationType    string                `json:"relationType"`
	EntityViewTypes []string              `json:"entityViewTypes,omitempty"`
}

type filterEnvelope struct {
	Type string `json:"type"`
}

// UnmarshalJSON dispatches on the "type" discriminator.
func (f *EntityFilter) UnmarshalJSON(data []byte) error {
	var env filterEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Type {
	case "entityList":
		f.EntityList = &EntityListFilter{}
		return json.Unmarshal(data, f.EntityList)
	case "singleEntity":
		f.SingleEntity = &SingleEntityFilter{}
		return json.Unmarshal(data, f.SingleEntity)
	case "entityType":
		f.EntityType = &EntityTypeFilter{}
		return json.Unmarshal(data, f.EntityType)
	case "entityName":
		f.EntityName = &EntityNameFilter{}
		return json.Unmarshal(data, f.EntityName)
	case "entityViewType":
		f.EntityViewType = &EntityViewTypeFilter{}
		return json.Unmarshal(data, f.EntityViewType)
	case "deviceType":
		f.DeviceType = &DeviceTypeFilter{}
		return json.Unmarshal(data, f.DeviceType)
	case "assetType":
		f.AssetType = &AssetTypeFilter{}
		return json.Unmarshal(data, f.AssetType)
	case "relationsQuery":
		f.RelationsQuery = &RelationsQueryFilter{}
		return json.Unmarshal(data, f.RelationsQuery)
	case "deviceSearchQuery":
		f.DeviceSearch = &DeviceSearchQueryFilter{}
		return json.Unmarshal(data, f.DeviceSearch)
	case "assetSearchQuery":
		f.AssetSearch = &AssetSearchQueryFilter{}
		return json.Unmarshal(data, f.AssetSearch)
	case "entityViewSearchQuery":
		f.EntityViewSearch = &EntityViewSearchQueryFilter{}
		return json.Unmarshal(data, f.EntityViewSearch)
	}
	return NewInvalidQuery(fmt.Sprintf("unknown entity filter type %q", env.Type))
}

func (f EntityFilter) MarshalJSON() ([]byte, error) {
	switch {
	case f.EntityList != nil:
		return marshalTagged("entityList", f.EntityList)
	case f.SingleEntity != nil:
		return marshalTagged("singleEntity", f.SingleEntity)
	case f.EntityType != nil:
		return marshalTagged("entityType", f.EntityType)
	case f.EntityName != nil:
		return marshalTagged("entityName", f.EntityName)
	case f.EntityViewType != nil:
		return marshalTagged("entityViewType", f.EntityViewType)
	case f.DeviceType != nil:
		return marshalTagged("deviceType", f.DeviceType)
	case f.AssetType != nil:
		return marshalTagged("assetType", f.AssetType)
	case f.RelationsQuery != nil:
		return marshalTagged("relationsQuery", f.RelationsQuery)
	case f.DeviceSearch != nil:
		return marshalTagged("deviceSearchQuery", f.DeviceSearch)
	case f.AssetSearch != nil:
		return marshalTagged("assetSearchQuery", f.AssetSearch)
	case f.EntityViewSearch != nil:
		return marshalTagged("entityViewSearchQuery", f.EntityViewSearch)
	}
	return nil, NewInvalidQuery("empty entity filter")
}

// Validate checks the variant invariant and per-variant required fields.
func (f EntityFilter) Validate() error {
	variants := 0
	if f.EntityList != nil {
		variants++
		if _, err := ParseEntityType(string(f.EntityList.EntityType)); err != nil {
			return err
		}
		if len(f.EntityList.EntityList) == 0 {
			return NewInvalidQuery("entity list filter requires at least one id")
		}
	}
	if f.SingleEntity != nil {
		variants++
		if f.SingleEntity.SingleEntity.ID == uuid.Nil {
			return NewInvalidQuery("single entity filter requires an id")
		}
	}
	if f.EntityType != nil {
		variants++
		if _, err := ParseEntityType(string(f.EntityType.EntityType)); err != nil {
			return err
		}
	}
	if f.EntityName != nil {
		variants++
		if _, err := ParseEntityType(string(f.EntityName.EntityType)); err != nil {
			return err
		}
	}
	if f.EntityViewType != nil {
		variants++
		if strings.TrimSpace(f.EntityViewType.EntityViewType) == "" {
			return NewInvalidQuery("entity view type filter requires a type")
		}
	}
	if f.DeviceType != nil {
		variants++
		if strings.TrimSpace(f.DeviceType.DeviceType) == "" {
			return NewInvalidQuery("device type filter requires a type")
		}
	}
	if f.AssetType != nil {
		variants++
		if strings.TrimSpace(f.AssetType.AssetType) == "" {
			return NewInvalidQuery("asset type filter requires a type")
		}
	}
	if f.RelationsQuery != nil {
		variants++
		if err := validateRoot(f.RelationsQuery.RootEntity, f.RelationsQuery.Direction, f.RelationsQuery.MaxLevel); err != nil {
			return err
		}
	}
	if f.DeviceSearch != nil {
		variants++
		if err := validateRoot(f.DeviceSearch.RootEntity, f.DeviceSearch.Direction, f.DeviceSearch.MaxLevel); err != nil {
			return err
		}
	}
	if f.AssetSearch != nil {
		variants++
		if err := validateRoot(f.AssetSearch.RootEntity, f.AssetSearch.Direction, f.AssetSearch.MaxLevel); err != nil {
			return err
		}
	}
	if f.EntityViewSearch != nil {
		variants++
		if err := validateRoot(f.EntityViewSearch.RootEntity, f.EntityViewSearch.Direction, f.EntityViewSearch.MaxLevel); err != nil {
			return err
		}
	}
	if variants != 1 {
		return NewInvalidQuery("entity filter must carry exactly one variant")
	}
	return nil
}

func validateRoot(root *EntityID, direction EntitySearchDirection, maxLevel int) error {
	if root == nil || root.ID == uuid.Nil {
		return NewInvalidQuery("relation filter requires a root entity")
	}
	if _, err := ParseEntityType(string(root.EntityType)); err != nil {
		return err
	}
	if direction != SearchDirectionFrom && direction != SearchDirectionTo {
		return NewInvalidQuery(fmt.Sprintf("unknown search direction %q", direction))
	}
	if maxLevel < 0 {
		return NewInvalidQuery("relation filter max level must not be negative")
	}
	return nil
}
