package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// originatorNameSelection resolves the display name of an alarm originator by
// switching over its type.
const originatorNameSelection = " CASE" +
	" WHEN a.originator_type = 'TENANT' THEN (SELECT title FROM tenant WHERE id = a.originator_id)" +
	" WHEN a.originator_type = 'CUSTOMER' THEN (SELECT title FROM customer WHERE id = a.originator_id)" +
	" WHEN a.originator_type = 'USER' THEN (SELECT email FROM tb_user WHERE id = a.originator_id)" +
	" WHEN a.originator_type = 'DASHBOARD' THEN (SELECT title FROM dashboard WHERE id = a.originator_id)" +
	" WHEN a.originator_type = 'ASSET' THEN (SELECT name FROM asset WHERE id = a.originator_id)" +
	" WHEN a.originator_type = 'DEVICE' THEN (SELECT name FROM device WHERE id = a.originator_id)" +
	" WHEN a.originator_type = 'ENTITY_VIEW' THEN (SELECT name FROM entity_view WHERE id = a.originator_id)" +
	" END AS originator_name"

const alarmFieldsSelection = "SELECT a.id AS id," +
	" a.created_time AS created_time," +
	" a.ack_ts AS ack_ts," +
	" a.clear_ts AS clear_ts," +
	" a.additional_info AS additional_info," +
	" a.end_ts AS end_ts," +
	" a.originator_id AS originator_id," +
	" a.originator_type AS originator_type," +
	" a.propagate AS propagate," +
	" a.severity AS severity," +
	" a.start_ts AS start_ts," +
	" a.status AS status," +
	" a.tenant_id AS tenant_id," +
	" a.type AS type," + originatorNameSelection + ","

type alarmPlan struct {
	dataSQL  string
	countSQL string
	ctx      *queryContext
}

// FindAlarmData pages the alarms whose originator is one of the ordered
// entities, directly or through ALARM-group propagation edges. The input
// ordering becomes the priority sort unless the page link names an alarm
// field.
func (r *Repository) FindAlarmData(ctx context.Context, caller domain.Caller, query domain.AlarmDataQuery, orderedIDs []domain.EntityID) (domain.PageData[domain.AlarmData], error) {
	var empty domain.PageData[domain.AlarmData]
	pageLink := query.PageLink
	if err := pageLink.EntityDataPageLink.Validate(); err != nil {
		return empty, err
	}
	if len(orderedIDs) == 0 {
		return domain.NewPageData([]domain.AlarmData{}, pageLink.EntityDataPageLink, 0), nil
	}
	plan, err := buildAlarmPlan(r.now, caller, query, orderedIDs)
	if err != nil {
		return empty, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return empty, storageError("begin alarm query", plan.ctx, err)
	}
	defer tx.Rollback(ctx)

	var total int64
	if err := tx.QueryRow(ctx, plan.countSQL, plan.ctx.args).Scan(&total); err != nil {
		return empty, storageError("count alarm data", plan.ctx, err)
	}
	rows, err := tx.Query(ctx, plan.dataSQL, plan.ctx.args)
	if err != nil {
		return empty, storageError("query alarm data", plan.ctx, err)
	}
	records, err := collectRows(rows)
	if err != nil {
		return empty, storageError("read alarm data", plan.ctx, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return empty, storageError("commit alarm query", plan.ctx, err)
	}

	data, err := adaptAlarmRows(records, orderedIDs)
	if err != nil {
		return empty, err
	}
	return domain.NewPageData(data, pageLink.EntityDataPageLink, total), nil
}

func buildAlarmPlan(now func() time.Time, caller domain.Caller, query domain.AlarmDataQuery, orderedIDs []domain.EntityID) (alarmPlan, error) {
	pageLink := query.PageLink
	qctx := newQueryContext(securityContext{
		tenantID:   caller.TenantID,
		customerID: caller.CustomerID,
		targetType: domain.EntityTypeAlarm,
	})
	ids := make([]uuid.UUID, len(orderedIDs))
	for i, id := range orderedIDs {
		ids[i] = id.ID
	}
	idsParam := qctx.addUUIDList("entity_ids", ids)

	selectPart := strings.Builder{}
	fromPart := strings.Builder{}
	wherePart := make([]string, 0, 8)
	sortPart := ""

	selectPart.WriteString(alarmFieldsSelection)
	fromPart.WriteString(" FROM alarm a ")
	if pageLink.SearchPropagatedAlarms {
		selectPart.WriteString(" CASE WHEN r.from_id IS NULL THEN a.originator_id ELSE r.from_id END AS entity_id ")
		fromPart.WriteString(fmt.Sprintf(
			"LEFT JOIN relation r ON r.relation_type_group = 'ALARM' AND r.relation_type = 'ANY'"+
				" AND a.id = r.to_id AND r.from_id = ANY(%s::uuid[]) ", idsParam))
	} else {
		selectPart.WriteString(" a.originator_id AS entity_id ")
	}
	wherePart = append(wherePart, alarmPermissionFilter(qctx))

	sortOrder := pageLink.SortOrder
	if sortOrder != nil && sortOrder.Key.Type == domain.KeyTypeAlarmField {
		resolved, ok := alarmFieldColumn(sortOrder.Key.Key)
		if !ok {
			return alarmPlan{}, domain.NewInvalidQuery(fmt.Sprintf("unknown alarm sort field %q", sortOrder.Key.Key))
		}
		column := resolved.column
		direction := "ASC"
		if sortOrder.Direction == domain.SortDesc {
			direction = "DESC"
		}
		sortPart = fmt.Sprintf(" ORDER BY %s %s", column, direction)
		if pageLink.SearchPropagatedAlarms {
			wherePart = append(wherePart, fmt.Sprintf("(a.originator_id = ANY(%s::uuid[]) OR r.from_id IS NOT NULL)", idsParam))
		} else {
			wherePart = append(wherePart, fmt.Sprintf("a.originator_id = ANY(%s::uuid[])", idsParam))
		}
	} else {
		// The queried entity order becomes the priority sort; the join also
		// restricts rows to the queried entities.
		fromPart.WriteString(fmt.Sprintf(
			"JOIN (SELECT x.id, x.ord - 1 AS priority FROM unnest(%s::uuid[]) WITH ORDINALITY AS x(id, ord)) e ", idsParam))
		if pageLink.SearchPropagatedAlarms {
			fromPart.WriteString("ON (r.from_id IS NULL AND a.originator_id = e.id) OR (r.from_id IS NOT NULL AND r.from_id = e.id) ")
		} else {
			fromPart.WriteString("ON a.originator_id = e.id ")
		}
		selectPart.WriteString(", e.priority AS priority ")
		sortPart = " ORDER BY e.priority"
	}

	// An explicit time window takes precedence over startTs/endTs.
	startTs, endTs := pageLink.StartTs, pageLink.EndTs
	if pageLink.TimeWindow > 0 {
		endTs = now().UnixMilli()
		startTs = endTs - pageLink.TimeWindow
	}
	if startTs > 0 {
		wherePart = append(wherePart, fmt.Sprintf("a.created_time >= %s", qctx.addLong("start_time", startTs)))
	}
	if endTs > 0 {
		wherePart = append(wherePart, fmt.Sprintf("a.created_time <= %s", qctx.addLong("end_time", endTs)))
	}
	if len(pageLink.TypeList) > 0 {
		wherePart = append(wherePart, fmt.Sprintf("a.type = ANY(%s)", qctx.addStringList("alarm_types", pageLink.TypeList)))
	}
	if len(pageLink.SeverityList) > 0 {
		severities := make([]string, len(pageLink.SeverityList))
		for i, severity := range pageLink.SeverityList {
			severities[i] = string(severity)
		}
		wherePart = append(wherePart, fmt.Sprintf("a.severity = ANY(%s)", qctx.addStringList("alarm_severities", severities)))
	}
	if len(pageLink.StatusList) > 0 {
		if statuses := domain.ToAlarmStatuses(pageLink.StatusList); len(statuses) > 0 {
			names := make([]string, len(statuses))
			for i, status := range statuses {
				names[i] = string(status)
			}
			wherePart = append(wherePart, fmt.Sprintf("a.status = ANY(%s)", qctx.addStringList("alarm_statuses", names)))
		}
	}

	mainQuery := selectPart.String() + fromPart.String() + "WHERE " + strings.Join(wherePart, " AND ")
	if textSearch := buildAlarmTextSearch(qctx, query.AlarmFields, pageLink.TextSearch); textSearch != "" {
		mainQuery = fmt.Sprintf("SELECT * FROM (%s) a WHERE %s", mainQuery, textSearch)
		if sortPart == " ORDER BY e.priority" {
			// The wrapping hides e; sort by the projected priority column.
			sortPart = " ORDER BY a.priority"
		}
	}
	countQuery := fmt.Sprintf("SELECT count(*) FROM (%s) result", mainQuery)

	dataQuery := mainQuery + sortPart
	if pageLink.PageSize > 0 {
		limitParam := qctx.addLong("page_limit", int64(pageLink.PageSize))
		offsetParam := qctx.addLong("page_offset", int64(pageLink.PageSize)*int64(pageLink.Page))
		dataQuery = fmt.Sprintf("%s LIMIT %s OFFSET %s", dataQuery, limitParam, offsetParam)
	}

	return alarmPlan{dataSQL: dataQuery, countSQL: countQuery, ctx: qctx}, nil
}

// alarmPermissionFilter scopes alarms to the caller's tenant and, for
// customer users, to originators inside the customer scope.
func alarmPermissionFilter(ctx *queryContext) string {
	tenantParam := ctx.addUUID("permissions_tenant_id", ctx.sec.tenantID)
	clause := fmt.Sprintf("a.tenant_id = %s::uuid", tenantParam)
	if !ctx.sec.hasCustomerScope() {
		return clause
	}
	customerParam := ctx.addUUID("permissions_customer_id", ctx.sec.customerID)
	branches := []string{
		fmt.Sprintf("(a.originator_type = 'DEVICE' AND EXISTS (SELECT 1 FROM device cd WHERE cd.id = a.originator_id AND cd.customer_id = %s::uuid))", customerParam),
		fmt.Sprintf("(a.originator_type = 'ASSET' AND EXISTS (SELECT 1 FROM asset ca WHERE ca.id = a.originator_id AND ca.customer_id = %s::uuid))", customerParam),
		fmt.Sprintf("(a.originator_type = 'CUSTOMER' AND EXISTS (SELECT 1 FROM customer cc WHERE cc.id = a.originator_id AND cc.id = %s::uuid))", customerParam),
		fmt.Sprintf("(a.originator_type = 'USER' AND EXISTS (SELECT 1 FROM tb_user cu WHERE cu.id = a.originator_id AND cu.customer_id = %s::uuid))", customerParam),
		fmt.Sprintf("(a.originator_type = 'ENTITY_VIEW' AND EXISTS (SELECT 1 FROM entity_view cv WHERE cv.id = a.originator_id AND cv.customer_id = %s::uuid))", customerParam),
	}
	return clause + " AND (" + strings.Join(branches, " OR ") + ")"
}

// buildAlarmTextSearch forms the contains-match disjunction over the
// projected alarm fields. Keys outside the alarm registry are skipped.
func buildAlarmTextSearch(ctx *queryContext, alarmFields []domain.EntityKey, searchText string) string {
	if searchText == "" || len(alarmFields) == 0 {
		return ""
	}
	var predicates []string
	for _, field := range alarmFields {
		column, ok := alarmFieldColumn(field.Key)
		if !ok {
			continue
		}
		param := ctx.addString(ctx.nextName(column.column+"_search"), strings.ToLower(searchText))
		predicates = append(predicates, fmt.Sprintf("LOWER(CAST(%s AS varchar)) LIKE concat('%%', %s, '%%')", column.column, param))
	}
	return strings.Join(predicates, " OR ")
}
