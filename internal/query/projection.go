package query

import (
	"fmt"
	"strings"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// latestKeyID identifies one latest-value join.
type latestKeyID struct {
	keyType domain.EntityKeyType
	key     string
}

type latestJoin struct {
	alias      string
	timeSeries bool
	projected  bool
}

// binder accumulates the LEFT JOINs and select items a plan needs: per-type
// row tables for entity fields, latest attribute rows, and latest telemetry
// rows. Joins are created on demand, so filter-only keys join without being
// projected and the output maps hold exactly the requested keys.
type binder struct {
	ctx       *queryContext
	candidate candidateQuery

	typeAliases map[domain.EntityType]string
	typeJoins   []string
	latestJoins []string
	latest      map[latestKeyID]*latestJoin

	selectItems []string
	fieldKeys   []string
	fieldItems  map[string]string
}

func newBinder(ctx *queryContext, candidate candidateQuery) *binder {
	return &binder{
		ctx:         ctx,
		candidate:   candidate,
		typeAliases: make(map[domain.EntityType]string),
		latest:      make(map[latestKeyID]*latestJoin),
		fieldItems:  make(map[string]string),
	}
}

// typeAlias joins the row table of one candidate type, once.
func (b *binder) typeAlias(t domain.EntityType) (string, bool) {
	if alias, ok := b.typeAliases[t]; ok {
		return alias, true
	}
	table, ok := entityTable(t)
	if !ok {
		return "", false
	}
	alias := "t_" + table
	b.typeAliases[t] = alias
	b.typeJoins = append(b.typeJoins, fmt.Sprintf(
		"LEFT JOIN %s %s ON s.entity_type = '%s' AND %s.id = s.id", table, alias, t, alias))
	return alias, true
}

// entityFieldExpr builds the per-type CASE over the candidate's possible
// types. cast is appended to every branch so the CASE stays single-typed;
// types whose registry lacks the key contribute NULL.
func (b *binder) entityFieldExpr(key, cast string) string {
	if key == "entityType" {
		return "s.entity_type"
	}
	var branches []string
	for _, t := range b.candidate.entityTypes {
		col, ok := entityFieldColumn(t, key)
		if !ok {
			continue
		}
		alias, ok := b.typeAlias(t)
		if !ok {
			continue
		}
		branches = append(branches, fmt.Sprintf("WHEN s.entity_type = '%s' THEN %s.%s%s", t, alias, col.column, cast))
	}
	if len(branches) == 0 {
		return "NULL::text"
	}
	return "CASE " + strings.Join(branches, " ") + " END"
}

// createdTimeExpr is the per-type created_time, used by default sorts and the
// stable tie-break.
func (b *binder) createdTimeExpr() string {
	return b.entityFieldExpr("createdTime", "")
}

// bindEntityFields projects the requested ENTITY_FIELD keys.
func (b *binder) bindEntityFields(keys []domain.EntityKey) error {
	for _, key := range keys {
		if key.Type != domain.KeyTypeEntityField {
			return domain.NewInvalidQuery(fmt.Sprintf("entity field projection got key type %q", key.Type))
		}
		if _, ok := b.fieldItems[key.Key]; ok {
			continue
		}
		expr := b.entityFieldExpr(key.Key, "::text")
		alias := "field_" + sanitizeParamName(key.Key)
		b.fieldItems[key.Key] = expr
		b.fieldKeys = append(b.fieldKeys, key.Key)
		b.selectItems = append(b.selectItems, fmt.Sprintf("%s AS %s", expr, alias))
	}
	return nil
}

// bindLatestValues projects the requested latest attribute/telemetry keys.
func (b *binder) bindLatestValues(keys []domain.EntityKey) error {
	for _, key := range keys {
		join, err := b.latestJoinFor(key)
		if err != nil {
			return err
		}
		if join.projected {
			continue
		}
		join.projected = true
		a := join.alias
		b.selectItems = append(b.selectItems,
			fmt.Sprintf("%s.bool_v AS %s_bool_v", a, a),
			fmt.Sprintf("%s.str_v AS %s_str_v", a, a),
			fmt.Sprintf("%s.long_v AS %s_long_v", a, a),
			fmt.Sprintf("%s.dbl_v AS %s_dbl_v", a, a),
			fmt.Sprintf("%s.json_v AS %s_json_v", a, a),
		)
		if join.timeSeries {
			b.selectItems = append(b.selectItems, fmt.Sprintf("%s.ts AS %s_ts", a, a))
		} else {
			b.selectItems = append(b.selectItems, fmt.Sprintf("%s.last_update_ts AS %s_ts", a, a))
		}
	}
	return nil
}

// latestJoinFor joins the latest row backing a key, once per (type, key).
func (b *binder) latestJoinFor(key domain.EntityKey) (*latestJoin, error) {
	id := latestKeyID{keyType: key.Type, key: key.Key}
	if join, ok := b.latest[id]; ok {
		return join, nil
	}
	switch {
	case key.Type.IsAttribute():
		join := b.joinAttribute(key)
		b.latest[id] = join
		return join, nil
	case key.Type == domain.KeyTypeTimeSeries:
		join := b.joinTimeSeries(key)
		b.latest[id] = join
		return join, nil
	}
	return nil, domain.NewInvalidQuery(fmt.Sprintf("key type %q cannot address a latest value", key.Type))
}

// attributeScopes maps a key type to the scopes searched. The unqualified
// ATTRIBUTE form searches all three; the lateral pick below makes the
// CLIENT > SHARED > SERVER precedence deterministic.
func attributeScopes(t domain.EntityKeyType) []string {
	switch t {
	case domain.KeyTypeClientAttribute:
		return []string{"CLIENT_SCOPE"}
	case domain.KeyTypeServerAttribute:
		return []string{"SERVER_SCOPE"}
	case domain.KeyTypeSharedAttribute:
		return []string{"SHARED_SCOPE"}
	}
	return []string{"CLIENT_SCOPE", "SHARED_SCOPE", "SERVER_SCOPE"}
}

func (b *binder) joinAttribute(key domain.EntityKey) *latestJoin {
	alias := b.ctx.nextName("attr")
	keyParam := b.ctx.addString(b.ctx.nextName("attr_key"), key.Key)
	scopesParam := b.ctx.addStringList(b.ctx.nextName("attr_scopes"), attributeScopes(key.Type))
	b.latestJoins = append(b.latestJoins, fmt.Sprintf(
		"LEFT JOIN LATERAL ("+
			"SELECT kv.bool_v, kv.str_v, kv.long_v, kv.dbl_v, kv.json_v, kv.last_update_ts"+
			" FROM attribute_kv kv"+
			" WHERE kv.entity_id = s.id AND kv.entity_type = s.entity_type"+
			" AND kv.attribute_key = %s AND kv.attribute_type = ANY(%s)"+
			" ORDER BY CASE kv.attribute_type WHEN 'CLIENT_SCOPE' THEN 1 WHEN 'SHARED_SCOPE' THEN 2 ELSE 3 END"+
			" LIMIT 1) %s ON true",
		keyParam, scopesParam, alias))
	return &latestJoin{alias: alias}
}

func (b *binder) joinTimeSeries(key domain.EntityKey) *latestJoin {
	alias := b.ctx.nextName("ts")
	dictAlias := alias + "_d"
	keyParam := b.ctx.addString(b.ctx.nextName("ts_key"), key.Key)
	b.latestJoins = append(b.latestJoins,
		fmt.Sprintf("LEFT JOIN ts_kv_dictionary %s ON %s.key = %s", dictAlias, dictAlias, keyParam),
		fmt.Sprintf("LEFT JOIN ts_kv_latest %s ON %s.entity_id = s.id AND %s.key = %s.key_id", alias, alias, alias, dictAlias),
	)
	return &latestJoin{alias: alias, timeSeries: true}
}

// resolve implements columnResolver over everything this plan can address:
// entity fields by registry, latest keys by join alias. Keys referenced only
// by filters or sort join here without entering the projection.
func (b *binder) resolve(key domain.EntityKey) (resolvedColumn, error) {
	if err := key.Validate(); err != nil {
		return resolvedColumn{}, err
	}
	switch key.Type {
	case domain.KeyTypeEntityField:
		text := b.entityFieldExpr(key.Key, "::text")
		numeric := b.entityFieldExpr(key.Key, "::double precision")
		return resolvedColumn{
			textExpr:    text,
			numericExpr: numeric,
			boolExpr:    fmt.Sprintf("CAST(%s AS boolean)", text),
		}, nil
	case domain.KeyTypeAlarmField:
		return resolvedColumn{}, domain.NewInvalidQuery("alarm fields are not addressable by entity queries")
	}
	join, err := b.latestJoinFor(key)
	if err != nil {
		return resolvedColumn{}, err
	}
	return latestColumn(join.alias), nil
}

func latestColumn(alias string) resolvedColumn {
	return resolvedColumn{
		textExpr: fmt.Sprintf(
			"COALESCE(%s.str_v, %s.long_v::text, %s.dbl_v::text, %s.bool_v::text, %s.json_v::text)",
			alias, alias, alias, alias, alias),
		numericExpr: fmt.Sprintf("COALESCE(%s.dbl_v, %s.long_v::double precision)", alias, alias),
		boolExpr:    alias + ".bool_v",
	}
}

// latestSortExpr orders by the coalesced value cells of a latest key.
func (b *binder) latestSortExpr(key domain.EntityKey) (string, error) {
	join, err := b.latestJoinFor(key)
	if err != nil {
		return "", err
	}
	a := join.alias
	return fmt.Sprintf("COALESCE(%s.long_v::text, %s.dbl_v::text, %s.str_v, %s.bool_v::text)", a, a, a, a), nil
}

// textSearchExprs returns the projected entity-field expressions the text
// search disjunction runs over. Latest values are never searched.
func (b *binder) textSearchExprs() []string {
	exprs := make([]string, 0, len(b.fieldKeys))
	for _, key := range b.fieldKeys {
		exprs = append(exprs, b.fieldItems[key])
	}
	return exprs
}

func (b *binder) selectList() string {
	items := append([]string{"s.id", "s.entity_type"}, b.selectItems...)
	return strings.Join(items, ", ")
}

func (b *binder) joinClause() string {
	joins := append(append([]string{}, b.typeJoins...), b.latestJoins...)
	if len(joins) == 0 {
		return ""
	}
	return " " + strings.Join(joins, " ")
}

func (b *binder) projectedFieldKeys() []string {
	return b.fieldKeys
}

// latestAliases maps every joined latest key to its column alias prefix.
func (b *binder) latestAliases() map[latestKeyID]string {
	aliases := make(map[latestKeyID]string, len(b.latest))
	for id, join := range b.latest {
		aliases[id] = join.alias
	}
	return aliases
}
