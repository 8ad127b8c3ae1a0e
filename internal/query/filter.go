package query

import (
	"fmt"
	"strings"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// candidateQuery is the compiled candidate sub-select: SELECT id, entity_type
// [, level] scoped to the caller. entityTypes enumerates every type a row can
// carry, so the projection binder knows which row tables to join.
type candidateQuery struct {
	sql         string
	entityTypes []domain.EntityType
	hasLevel    bool
}

// buildCandidateQuery dispatches over the filter sum.
func buildCandidateQuery(ctx *queryContext, filter domain.EntityFilter) (candidateQuery, error) {
	switch {
	case filter.EntityList != nil:
		return buildListCandidates(ctx, filter.EntityList)
	case filter.SingleEntity != nil:
		return buildSingleCandidate(ctx, filter.SingleEntity)
	case filter.EntityType != nil:
		return buildTypeCandidates(ctx, filter.EntityType.EntityType, "", "")
	case filter.EntityName != nil:
		return buildTypeCandidates(ctx, filter.EntityName.EntityType, "", filter.EntityName.EntityNameFilter)
	case filter.EntityViewType != nil:
		return buildTypeCandidates(ctx, domain.EntityTypeEntityView, filter.EntityViewType.EntityViewType, filter.EntityViewType.EntityViewNameFilter)
	case filter.DeviceType != nil:
		return buildTypeCandidates(ctx, domain.EntityTypeDevice, filter.DeviceType.DeviceType, filter.DeviceType.DeviceNameFilter)
	case filter.AssetType != nil:
		return buildTypeCandidates(ctx, domain.EntityTypeAsset, filter.AssetType.AssetType, filter.AssetType.AssetNameFilter)
	case filter.RelationsQuery != nil:
		return buildRelationsCandidates(ctx, filter.RelationsQuery)
	case filter.DeviceSearch != nil:
		f := filter.DeviceSearch
		return buildSearchCandidates(ctx, searchSpec{
			root: *f.RootEntity, direction: f.Direction, maxLevel: f.MaxLevel,
			relationType: f.RelationType, entityType: domain.EntityTypeDevice, subtypes: f.DeviceTypes,
		})
	case filter.AssetSearch != nil:
		f := filter.AssetSearch
		return buildSearchCandidates(ctx, searchSpec{
			root: *f.RootEntity, direction: f.Direction, maxLevel: f.MaxLevel,
			relationType: f.RelationType, entityType: domain.EntityTypeAsset, subtypes: f.AssetTypes,
		})
	case filter.EntityViewSearch != nil:
		f := filter.EntityViewSearch
		return buildSearchCandidates(ctx, searchSpec{
			root: *f.RootEntity, direction: f.Direction, maxLevel: f.MaxLevel,
			relationType: f.RelationType, entityType: domain.EntityTypeEntityView, subtypes: f.EntityViewTypes,
		})
	}
	return candidateQuery{}, domain.NewInvalidQuery("unknown entity filter variant")
}

func buildListCandidates(ctx *queryContext, filter *domain.EntityListFilter) (candidateQuery, error) {
	table, ok := entityTable(filter.EntityType)
	if !ok {
		return candidateQuery{}, domain.NewInvalidQuery(fmt.Sprintf("entity type %s is not queryable", filter.EntityType))
	}
	perm, err := permissionFilter(ctx, "e", filter.EntityType)
	if err != nil {
		return candidateQuery{}, err
	}
	idsParam := ctx.addUUIDList(ctx.nextName("entity_list"), filter.EntityList)
	sql := fmt.Sprintf(
		"SELECT e.id AS id, '%s'::text AS entity_type FROM %s e WHERE e.id = ANY(%s::uuid[]) AND %s",
		filter.EntityType, table, idsParam, perm,
	)
	return candidateQuery{sql: sql, entityTypes: []domain.EntityType{filter.EntityType}}, nil
}

func buildSingleCandidate(ctx *queryContext, filter *domain.SingleEntityFilter) (candidateQuery, error) {
	target := filter.SingleEntity
	table, ok := entityTable(target.EntityType)
	if !ok {
		return candidateQuery{}, domain.NewInvalidQuery(fmt.Sprintf("entity type %s is not queryable", target.EntityType))
	}
	perm, err := permissionFilter(ctx, "e", target.EntityType)
	if err != nil {
		return candidateQuery{}, err
	}
	idParam := ctx.addUUID(ctx.nextName("entity_id"), target.ID)
	sql := fmt.Sprintf(
		"SELECT e.id AS id, '%s'::text AS entity_type FROM %s e WHERE e.id = %s::uuid AND %s",
		target.EntityType, table, idParam, perm,
	)
	return candidateQuery{sql: sql, entityTypes: []domain.EntityType{target.EntityType}}, nil
}

// buildTypeCandidates covers EntityTypeFilter and the subtype/name-prefix
// family (device, asset, entity view, entity name).
func buildTypeCandidates(ctx *queryContext, entityType domain.EntityType, subtype, namePrefix string) (candidateQuery, error) {
	table, ok := entityTable(entityType)
	if !ok {
		return candidateQuery{}, domain.NewInvalidQuery(fmt.Sprintf("entity type %s is not queryable", entityType))
	}
	perm, err := permissionFilter(ctx, "e", entityType)
	if err != nil {
		return candidateQuery{}, err
	}
	conditions := []string{perm}
	if subtype != "" {
		param := ctx.addString(ctx.nextName("entity_subtype"), subtype)
		conditions = append(conditions, fmt.Sprintf("e.type = %s", param))
	}
	if namePrefix != "" {
		nameColumn := "e.name"
		if col, ok := entityFieldColumn(entityType, "name"); ok {
			nameColumn = "e." + col.column
		}
		param := ctx.addString(ctx.nextName("name_prefix"), namePrefix)
		conditions = append(conditions, fmt.Sprintf("LOWER(%s) LIKE LOWER(concat(%s, '%%'))", nameColumn, param))
	}
	sql := fmt.Sprintf(
		"SELECT e.id AS id, '%s'::text AS entity_type FROM %s e WHERE %s",
		entityType, table, strings.Join(conditions, " AND "),
	)
	return candidateQuery{sql: sql, entityTypes: []domain.EntityType{entityType}}, nil
}

// permissionFilter emits the tenant/customer scope predicate for one row
// table alias. Every candidate branch carries it; no row escapes the caller's
// scope (even explicit id lists).
func permissionFilter(ctx *queryContext, alias string, t domain.EntityType) (string, error) {
	tenantParam := ctx.addUUID("permissions_tenant_id", ctx.sec.tenantID)
	var parts []string
	if t == domain.EntityTypeTenant {
		parts = append(parts, fmt.Sprintf("%s.id = %s::uuid", alias, tenantParam))
	} else {
		parts = append(parts, fmt.Sprintf("%s.tenant_id = %s::uuid", alias, tenantParam))
	}
	if !ctx.sec.hasCustomerScope() {
		return strings.Join(parts, " AND "), nil
	}
	customerParam := ctx.addUUID("permissions_customer_id", ctx.sec.customerID)
	switch {
	case t == domain.EntityTypeTenant:
		// Customer users never see tenant rows.
		parts = append(parts, "1 = 0")
	case t == domain.EntityTypeCustomer:
		parts = append(parts, fmt.Sprintf("%s.id = %s::uuid", alias, customerParam))
	case t == domain.EntityTypeDashboard:
		parts = append(parts, fmt.Sprintf("jsonb_exists(%s.assigned_customers, %s)", alias, customerParam))
	case tableHasCustomerColumn(t):
		parts = append(parts, fmt.Sprintf("%s.customer_id = %s::uuid", alias, customerParam))
	default:
		parts = append(parts, "1 = 0")
	}
	return strings.Join(parts, " AND "), nil
}
