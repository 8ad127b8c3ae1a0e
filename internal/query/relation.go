package query

import (
	"fmt"
	"math"
	"strings"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// unboundedLevel is the explicit sentinel a maxLevel of 0 converts to before
// the CTE is built. The path array still cuts cycles, so the walk terminates.
const unboundedLevel = math.MaxInt32

// buildRelationsCandidates compiles a RelationsQueryFilter into a recursive
// walk over the COMMON relation group. Each walk row carries (id, entity_type,
// level) plus the relation type of the edge that reached the entity, which the
// optional filters apply to; the candidate select returns (id, entity_type,
// level).
func buildRelationsCandidates(ctx *queryContext, filter *domain.RelationsQueryFilter) (candidateQuery, error) {
	walkSQL, err := buildWalkCTE(ctx, *filter.RootEntity, filter.Direction, filter.MaxLevel)
	if err != nil {
		return candidateQuery{}, err
	}

	conditions := []string{"w.lvl > 0"}
	if filter.FetchLastLevelOnly && filter.MaxLevel > 0 {
		lastParam := ctx.addLong(ctx.nextName("last_level"), int64(filter.MaxLevel))
		conditions = append(conditions, fmt.Sprintf("w.lvl = %s", lastParam))
	}

	allowedTypes := queryableEntityTypes()
	if len(filter.Filters) > 0 {
		edgeClauses := make([]string, 0, len(filter.Filters))
		typeSet := make(map[domain.EntityType]struct{})
		for _, edgeFilter := range filter.Filters {
			clause, err := buildEdgeFilterClause(ctx, edgeFilter, typeSet)
			if err != nil {
				return candidateQuery{}, err
			}
			edgeClauses = append(edgeClauses, clause)
		}
		conditions = append(conditions, "("+strings.Join(edgeClauses, " OR ")+")")
		if len(typeSet) > 0 {
			allowedTypes = allowedTypes[:0]
			for _, t := range domain.EntityTypes {
				if _, ok := typeSet[t]; ok {
					allowedTypes = append(allowedTypes, t)
				}
			}
		}
	}

	permClause, err := traversalPermissionClause(ctx, allowedTypes, nil)
	if err != nil {
		return candidateQuery{}, err
	}
	conditions = append(conditions, permClause)

	sql := fmt.Sprintf("%s SELECT w.id AS id, w.entity_type AS entity_type, w.lvl AS level FROM walk w WHERE %s",
		walkSQL, strings.Join(conditions, " AND "))
	return candidateQuery{sql: sql, entityTypes: allowedTypes, hasLevel: true}, nil
}

// searchSpec is the shared shape of the device/asset/entity-view search
// filters: one relation type, one result entity type, optional subtypes.
type searchSpec struct {
	root         domain.EntityID
	direction    domain.EntitySearchDirection
	maxLevel     int
	relationType string
	entityType   domain.EntityType
	subtypes     []string
}

func buildSearchCandidates(ctx *queryContext, spec searchSpec) (candidateQuery, error) {
	walkSQL, err := buildWalkCTE(ctx, spec.root, spec.direction, spec.maxLevel)
	if err != nil {
		return candidateQuery{}, err
	}

	conditions := []string{"w.lvl > 0"}
	if spec.relationType != "" {
		param := ctx.addString(ctx.nextName("relation_type"), spec.relationType)
		conditions = append(conditions, fmt.Sprintf("w.relation_type = %s", param))
	}

	permClause, err := traversalPermissionClause(ctx, []domain.EntityType{spec.entityType}, spec.subtypes)
	if err != nil {
		return candidateQuery{}, err
	}
	conditions = append(conditions, permClause)

	sql := fmt.Sprintf("%s SELECT w.id AS id, w.entity_type AS entity_type, w.lvl AS level FROM walk w WHERE %s",
		walkSQL, strings.Join(conditions, " AND "))
	return candidateQuery{sql: sql, entityTypes: []domain.EntityType{spec.entityType}, hasLevel: true}, nil
}

// buildWalkCTE emits the recursive CTE. Each produced row remembers the walk
// level and the relation type of its last edge; the path array guarantees no
// (from,to) edge is revisited, deduplicating the reachable set.
func buildWalkCTE(ctx *queryContext, root domain.EntityID, direction domain.EntitySearchDirection, maxLevel int) (string, error) {
	if _, ok := entityTable(root.EntityType); !ok && root.EntityType != domain.EntityTypeAlarm {
		return "", domain.NewInvalidQuery(fmt.Sprintf("relation root type %s is not queryable", root.EntityType))
	}

	fromID, fromType, toID, toType := "from_id", "from_type", "to_id", "to_type"
	if direction == domain.SearchDirectionTo {
		fromID, fromType, toID, toType = toID, toType, fromID, fromType
	}

	level := maxLevel
	if level <= 0 {
		level = unboundedLevel
	}

	rootIDParam := ctx.addUUID(ctx.nextName("walk_root_id"), root.ID)
	rootTypeParam := ctx.addString(ctx.nextName("walk_root_type"), string(root.EntityType))
	maxParam := ctx.addLong(ctx.nextName("walk_max_level"), int64(level))

	sql := fmt.Sprintf(`WITH RECURSIVE walk(id, entity_type, relation_type, lvl, path) AS (
 SELECT %s::uuid, %s::text, ''::text, 0, ARRAY[%s::uuid]
 UNION ALL
 SELECT r.%s, r.%s, r.relation_type, w.lvl + 1, w.path || r.%s
 FROM walk w
 JOIN relation r ON r.relation_type_group = 'COMMON'
  AND r.%s = w.id AND r.%s = w.entity_type
 WHERE w.lvl < %s AND NOT r.%s = ANY(w.path)
)`,
		rootIDParam, rootTypeParam, rootIDParam,
		toID, toType, toID,
		fromID, fromType,
		maxParam, toID,
	)
	return sql, nil
}

// buildEdgeFilterClause lowers one (relationType, entityTypes) pair against
// the walk's last edge. Matched entity types accumulate into typeSet so the
// permission clause and projection binder see the narrowed type universe.
func buildEdgeFilterClause(ctx *queryContext, filter domain.RelationEntityTypeFilter, typeSet map[domain.EntityType]struct{}) (string, error) {
	var parts []string
	if filter.RelationType != "" {
		param := ctx.addString(ctx.nextName("relation_type"), filter.RelationType)
		parts = append(parts, fmt.Sprintf("w.relation_type = %s", param))
	}
	if len(filter.EntityTypes) > 0 {
		names := make([]string, 0, len(filter.EntityTypes))
		for _, t := range filter.EntityTypes {
			parsed, err := domain.ParseEntityType(string(t))
			if err != nil {
				return "", err
			}
			names = append(names, string(parsed))
			typeSet[parsed] = struct{}{}
		}
		param := ctx.addStringList(ctx.nextName("entity_types"), names)
		parts = append(parts, fmt.Sprintf("w.entity_type = ANY(%s)", param))
	} else {
		for _, t := range queryableEntityTypes() {
			typeSet[t] = struct{}{}
		}
	}
	if len(parts) == 0 {
		return "1 = 1", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// traversalPermissionClause scopes walk rows with per-type EXISTS probes so
// the candidate set is already permission-filtered before any projection join
// happens. Count plans rely on this. Subtypes, when present, narrow the probe
// of the matching row table.
func traversalPermissionClause(ctx *queryContext, types []domain.EntityType, subtypes []string) (string, error) {
	var subtypeParam string
	if len(subtypes) > 0 {
		subtypeParam = ctx.addStringList(ctx.nextName("entity_subtypes"), subtypes)
	}
	branches := make([]string, 0, len(types))
	for _, t := range types {
		table, ok := entityTable(t)
		if !ok {
			continue
		}
		perm, err := permissionFilter(ctx, "x", t)
		if err != nil {
			return "", err
		}
		probe := fmt.Sprintf("SELECT 1 FROM %s x WHERE x.id = w.id AND %s", table, perm)
		if subtypeParam != "" {
			probe += fmt.Sprintf(" AND x.type = ANY(%s)", subtypeParam)
		}
		branches = append(branches, fmt.Sprintf("(w.entity_type = '%s' AND EXISTS (%s))", t, probe))
	}
	if len(branches) == 0 {
		return "1 = 0", nil
	}
	return "(" + strings.Join(branches, " OR ") + ")", nil
}
