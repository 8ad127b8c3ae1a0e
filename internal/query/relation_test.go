package query

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbcumt/thingsboard/internal/domain"
)

func relationsFilter(direction domain.EntitySearchDirection, maxLevel int) *domain.RelationsQueryFilter {
	root := domain.NewEntityID(domain.EntityTypeTenant, uuid.New())
	return &domain.RelationsQueryFilter{
		RootEntity: &root,
		Direction:  direction,
		MaxLevel:   maxLevel,
	}
}

func TestBuildWalkCTE_DirectionFrom(t *testing.T) {
	ctx := tenantContext()
	root := domain.NewEntityID(domain.EntityTypeTenant, uuid.New())
	sql, err := buildWalkCTE(ctx, root, domain.SearchDirectionFrom, 5)
	require.NoError(t, err)
	assert.Contains(t, sql, "WITH RECURSIVE walk")
	assert.Contains(t, sql, "r.from_id = w.id AND r.from_type = w.entity_type")
	assert.Contains(t, sql, "SELECT r.to_id, r.to_type")
	assert.Contains(t, sql, "relation_type_group = 'COMMON'")
	assert.Contains(t, sql, "NOT r.to_id = ANY(w.path)")
}

func TestBuildWalkCTE_DirectionToInverts(t *testing.T) {
	ctx := tenantContext()
	root := domain.NewEntityID(domain.EntityTypeDevice, uuid.New())
	sql, err := buildWalkCTE(ctx, root, domain.SearchDirectionTo, 5)
	require.NoError(t, err)
	assert.Contains(t, sql, "r.to_id = w.id AND r.to_type = w.entity_type")
	assert.Contains(t, sql, "SELECT r.from_id, r.from_type")
}

func TestBuildWalkCTE_UnboundedSentinel(t *testing.T) {
	ctx := tenantContext()
	root := domain.NewEntityID(domain.EntityTypeTenant, uuid.New())
	_, err := buildWalkCTE(ctx, root, domain.SearchDirectionFrom, 0)
	require.NoError(t, err)
	found := false
	for _, v := range ctx.args {
		if v == int64(unboundedLevel) {
			found = true
		}
	}
	assert.True(t, found, "maxLevel 0 must bind the unbounded sentinel, args: %v", ctx.args)
}

func TestBuildRelationsCandidates_Shape(t *testing.T) {
	ctx := tenantContext()
	candidate, err := buildRelationsCandidates(ctx, relationsFilter(domain.SearchDirectionFrom, 0))
	require.NoError(t, err)
	assert.True(t, candidate.hasLevel)
	assert.Contains(t, candidate.sql, "w.lvl AS level")
	assert.Contains(t, candidate.sql, "w.lvl > 0")
	// Permission probes guard every reachable type.
	assert.Contains(t, candidate.sql, "w.entity_type = 'DEVICE' AND EXISTS (SELECT 1 FROM device x")
	assert.Contains(t, candidate.sql, "w.entity_type = 'ASSET' AND EXISTS (SELECT 1 FROM asset x")
}

func TestBuildRelationsCandidates_LastLevelOnly(t *testing.T) {
	ctx := tenantContext()
	filter := relationsFilter(domain.SearchDirectionFrom, 3)
	filter.FetchLastLevelOnly = true
	candidate, err := buildRelationsCandidates(ctx, filter)
	require.NoError(t, err)
	assert.Contains(t, candidate.sql, "w.lvl = @")
}

func TestBuildRelationsCandidates_EdgeFilterNarrowsTypes(t *testing.T) {
	ctx := tenantContext()
	filter := relationsFilter(domain.SearchDirectionFrom, 0)
	filter.Filters = []domain.RelationEntityTypeFilter{
		{RelationType: "Contains", EntityTypes: []domain.EntityType{domain.EntityTypeDevice}},
	}
	candidate, err := buildRelationsCandidates(ctx, filter)
	require.NoError(t, err)
	assert.Contains(t, candidate.sql, "w.relation_type = @")
	assert.Contains(t, candidate.sql, "w.entity_type = ANY(@")
	assert.Equal(t, []domain.EntityType{domain.EntityTypeDevice}, candidate.entityTypes)
	// The walk itself stays unconstrained so multi-hop paths over other
	// relation types still reach the filtered entities; the edge filter only
	// appears in the outer WHERE.
	walkEnd := strings.Index(candidate.sql, "FROM walk w WHERE")
	require.Greater(t, walkEnd, 0)
	assert.NotContains(t, candidate.sql[:walkEnd], "relation_type = @")
}

func TestBuildRelationsCandidates_MultipleEdgeFiltersJoinWithOr(t *testing.T) {
	ctx := tenantContext()
	filter := relationsFilter(domain.SearchDirectionFrom, 0)
	filter.Filters = []domain.RelationEntityTypeFilter{
		{RelationType: "Contains", EntityTypes: []domain.EntityType{domain.EntityTypeDevice}},
		{RelationType: "Manages", EntityTypes: []domain.EntityType{domain.EntityTypeAsset}},
	}
	candidate, err := buildRelationsCandidates(ctx, filter)
	require.NoError(t, err)
	assert.Contains(t, candidate.sql, ") OR (")
	assert.ElementsMatch(t, []domain.EntityType{domain.EntityTypeDevice, domain.EntityTypeAsset}, candidate.entityTypes)
}

func TestBuildSearchCandidates_DeviceSubtypes(t *testing.T) {
	ctx := tenantContext()
	root := domain.NewEntityID(domain.EntityTypeTenant, uuid.New())
	candidate, err := buildSearchCandidates(ctx, searchSpec{
		root:         root,
		direction:    domain.SearchDirectionFrom,
		maxLevel:     0,
		relationType: "Contains",
		entityType:   domain.EntityTypeDevice,
		subtypes:     []string{"default0", "default1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.EntityType{domain.EntityTypeDevice}, candidate.entityTypes)
	assert.Contains(t, candidate.sql, "w.relation_type = @")
	assert.Contains(t, candidate.sql, "x.type = ANY(@")
	assert.NotContains(t, candidate.sql, "FROM asset")
}

func TestBuildSearchCandidates_CustomerScoped(t *testing.T) {
	ctx := customerContext()
	root := domain.NewEntityID(domain.EntityTypeCustomer, uuid.New())
	candidate, err := buildSearchCandidates(ctx, searchSpec{
		root:       root,
		direction:  domain.SearchDirectionFrom,
		entityType: domain.EntityTypeDevice,
	})
	require.NoError(t, err)
	assert.Contains(t, candidate.sql, "x.customer_id = @permissions_customer_id::uuid")
}

func TestTraversalPermissionClause_NoQueryableTypes(t *testing.T) {
	ctx := tenantContext()
	clause, err := traversalPermissionClause(ctx, []domain.EntityType{domain.EntityTypeAlarm}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1 = 0", clause)
}

func TestBuildWalkCTE_ParamsOnly(t *testing.T) {
	ctx := tenantContext()
	rootID := uuid.New()
	root := domain.NewEntityID(domain.EntityTypeTenant, rootID)
	sql, err := buildWalkCTE(ctx, root, domain.SearchDirectionFrom, 2)
	require.NoError(t, err)
	assert.NotContains(t, sql, rootID.String(), "root id must bind as a parameter")
	assert.NotContains(t, sql, fmt.Sprintf("< %d", 2), "max level must bind as a parameter")
}
