package query

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbcumt/thingsboard/internal/domain"
)

func deviceTypeQuery() domain.EntityDataQuery {
	return domain.EntityDataQuery{
		Filter: domain.EntityFilter{DeviceType: &domain.DeviceTypeFilter{DeviceType: "default"}},
		PageLink: domain.EntityDataPageLink{
			PageSize: 10,
			Page:     0,
		},
		EntityFields: []domain.EntityKey{{Type: domain.KeyTypeEntityField, Key: "name"}},
	}
}

func buildPlan(t *testing.T, query domain.EntityDataQuery) entityPlan {
	t.Helper()
	repo := NewRepository(nil)
	plan, err := repo.buildEntityPlan(domain.Caller{TenantID: uuid.New()}, query)
	require.NoError(t, err)
	return plan
}

func TestBuildEntityPlan_SelectShape(t *testing.T) {
	plan := buildPlan(t, deviceTypeQuery())
	assert.Contains(t, plan.dataSQL, "SELECT s.id, s.entity_type")
	assert.Contains(t, plan.dataSQL, "AS field_name")
	assert.Contains(t, plan.dataSQL, "LEFT JOIN device t_device ON s.entity_type = 'DEVICE' AND t_device.id = s.id")
	assert.Contains(t, plan.dataSQL, "LIMIT @page_limit OFFSET @page_offset")
	assert.Equal(t, int64(10), plan.ctx.args["page_limit"])
	assert.Equal(t, int64(0), plan.ctx.args["page_offset"])
}

func TestBuildEntityPlan_CountStripsOrderAndLimit(t *testing.T) {
	plan := buildPlan(t, deviceTypeQuery())
	assert.True(t, strings.HasPrefix(plan.countSQL, "SELECT count(*) FROM"))
	assert.NotContains(t, plan.countSQL, "ORDER BY")
	assert.NotContains(t, plan.countSQL, "LIMIT")
}

func TestBuildEntityPlan_DefaultSortCreatedTimeDesc(t *testing.T) {
	plan := buildPlan(t, deviceTypeQuery())
	assert.Contains(t, plan.dataSQL, "created_time END DESC, s.entity_type ASC, s.id ASC")
}

func TestBuildEntityPlan_ExplicitEntityFieldSort(t *testing.T) {
	query := deviceTypeQuery()
	query.PageLink.SortOrder = &domain.EntityDataSortOrder{
		Key:       domain.EntityKey{Type: domain.KeyTypeEntityField, Key: "name"},
		Direction: domain.SortDesc,
	}
	plan := buildPlan(t, query)
	assert.Contains(t, plan.dataSQL, "t_device.name END DESC, s.entity_type ASC, s.id ASC")
}

func TestBuildEntityPlan_LatestSortHandlesNulls(t *testing.T) {
	query := deviceTypeQuery()
	query.LatestValues = []domain.EntityKey{{Type: domain.KeyTypeAttribute, Key: "temperature"}}
	query.PageLink.SortOrder = &domain.EntityDataSortOrder{
		Key:       domain.EntityKey{Type: domain.KeyTypeAttribute, Key: "temperature"},
		Direction: domain.SortAsc,
	}
	plan := buildPlan(t, query)
	assert.Contains(t, plan.dataSQL, "NULLS LAST")

	query.PageLink.SortOrder.Direction = domain.SortDesc
	plan = buildPlan(t, query)
	assert.Contains(t, plan.dataSQL, "NULLS FIRST")
}

func TestBuildEntityPlan_TraversalDefaultSortByLevel(t *testing.T) {
	root := domain.NewEntityID(domain.EntityTypeTenant, uuid.New())
	query := domain.EntityDataQuery{
		Filter: domain.EntityFilter{RelationsQuery: &domain.RelationsQueryFilter{
			RootEntity: &root,
			Direction:  domain.SearchDirectionFrom,
		}},
		PageLink: domain.EntityDataPageLink{PageSize: 10},
	}
	plan := buildPlan(t, query)
	assert.Contains(t, plan.dataSQL, "ORDER BY s.level ASC")
}

func TestBuildEntityPlan_AttributeProjectionJoins(t *testing.T) {
	query := deviceTypeQuery()
	query.LatestValues = []domain.EntityKey{
		{Type: domain.KeyTypeAttribute, Key: "temperature"},
		{Type: domain.KeyTypeTimeSeries, Key: "humidity"},
	}
	plan := buildPlan(t, query)
	assert.Contains(t, plan.dataSQL, "LEFT JOIN LATERAL")
	assert.Contains(t, plan.dataSQL, "attribute_kv kv")
	assert.Contains(t, plan.dataSQL, "ORDER BY CASE kv.attribute_type WHEN 'CLIENT_SCOPE' THEN 1 WHEN 'SHARED_SCOPE' THEN 2 ELSE 3 END")
	assert.Contains(t, plan.dataSQL, "LEFT JOIN ts_kv_dictionary")
	assert.Contains(t, plan.dataSQL, "LEFT JOIN ts_kv_latest")
}

func TestBuildEntityPlan_KeyFilterJoinsWithoutProjection(t *testing.T) {
	query := deviceTypeQuery()
	query.KeyFilters = []domain.KeyFilter{{
		Key:       domain.EntityKey{Type: domain.KeyTypeAttribute, Key: "temperature"},
		ValueType: domain.ValueTypeNumeric,
		Predicate: domain.KeyFilterPredicate{Numeric: &domain.NumericPredicate{
			Operation: domain.NumericGreater,
			Value:     domain.FilterPredicateValue{DefaultValue: float64(45)},
		}},
	}}
	plan := buildPlan(t, query)
	assert.Contains(t, plan.dataSQL, "attribute_kv")
	assert.Contains(t, plan.dataSQL, "WHERE COALESCE(")
	// The filter-only key never enters the projected latest set.
	assert.Empty(t, plan.latest)
	// Count agrees with find: the same predicate constrains both statements.
	assert.Contains(t, plan.countSQL, "WHERE COALESCE(")
}

func TestBuildEntityPlan_TextSearchPrefixDisjunction(t *testing.T) {
	query := deviceTypeQuery()
	query.PageLink.TextSearch = "device1"
	plan := buildPlan(t, query)
	assert.Contains(t, plan.dataSQL, "LIKE concat(LOWER(@text_search), '%')")
	assert.Equal(t, "device1", plan.ctx.args["text_search"])
}

func TestBuildEntityPlan_TextSearchInjectionStaysBound(t *testing.T) {
	query := deviceTypeQuery()
	query.PageLink.TextSearch = `'; DROP TABLE device; --`
	plan := buildPlan(t, query)
	assert.NotContains(t, plan.dataSQL, "DROP TABLE")
	assert.Equal(t, query.PageLink.TextSearch, plan.ctx.args["text_search"])
}

func TestBuildEntityPlan_RejectsInvalidInput(t *testing.T) {
	repo := NewRepository(nil)
	caller := domain.Caller{TenantID: uuid.New()}

	_, err := repo.buildEntityPlan(caller, domain.EntityDataQuery{
		Filter:   domain.EntityFilter{},
		PageLink: domain.EntityDataPageLink{PageSize: 10},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)

	query := deviceTypeQuery()
	query.PageLink.PageSize = -5
	_, err = repo.buildEntityPlan(caller, query)
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)

	query = deviceTypeQuery()
	query.PageLink.SortOrder = &domain.EntityDataSortOrder{
		Key:       domain.EntityKey{Type: domain.KeyTypeAlarmField, Key: "severity"},
		Direction: domain.SortAsc,
	}
	_, err = repo.buildEntityPlan(caller, query)
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestBuildEntityPlan_UnknownFieldResolvesNull(t *testing.T) {
	query := deviceTypeQuery()
	query.EntityFields = append(query.EntityFields, domain.EntityKey{Type: domain.KeyTypeEntityField, Key: "wingspan"})
	plan := buildPlan(t, query)
	assert.Contains(t, plan.dataSQL, "NULL::text AS field_wingspan")
}

func TestBuildEntityPlan_NoPaginationWhenPageSizeZero(t *testing.T) {
	query := deviceTypeQuery()
	query.PageLink.PageSize = 0
	plan := buildPlan(t, query)
	assert.NotContains(t, plan.dataSQL, "LIMIT")
}

func TestBuildEntityPlan_PageOffsetMultiplies(t *testing.T) {
	query := deviceTypeQuery()
	query.PageLink.Page = 3
	plan := buildPlan(t, query)
	assert.Equal(t, int64(30), plan.ctx.args["page_offset"])
}

func TestCountEntities_ValidationBeforeStore(t *testing.T) {
	repo := NewRepository(nil)
	_, err := repo.CountEntities(t.Context(), domain.Caller{TenantID: uuid.New()}, domain.EntityCountQuery{})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}
