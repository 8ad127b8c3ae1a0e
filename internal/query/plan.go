package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// Repository compiles and executes entity and alarm queries. It is stateless:
// every call builds its plan from scratch. Data and alarm pages run their
// count and data statements inside one read-only transaction borrowed from the
// pool; CountEntities issues its single count statement on the pool directly.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// WithClock overrides the time source for alarm time windows. Tests use it.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// entityPlan is one fully assembled entity query: the data statement, the
// wrapping count statement, and the shared parameter map.
type entityPlan struct {
	dataSQL       string
	countSQL      string
	ctx           *queryContext
	fieldKeys     []string
	latest        []domain.EntityKey
	latestAliases map[latestKeyID]string
}

// CountEntities executes the unpaginated count of a filter plus optional key
// filters.
func (r *Repository) CountEntities(ctx context.Context, caller domain.Caller, query domain.EntityCountQuery) (int64, error) {
	if err := query.Filter.Validate(); err != nil {
		return 0, err
	}
	qctx := newQueryContext(securityContext{tenantID: caller.TenantID, customerID: caller.CustomerID})
	candidate, err := buildCandidateQuery(qctx, query.Filter)
	if err != nil {
		return 0, err
	}
	b := newBinder(qctx, candidate)
	where, err := compileKeyFilters(qctx, b, query.KeyFilters)
	if err != nil {
		return 0, err
	}
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) s%s%s", candidate.sql, b.joinClause(), where)

	var total int64
	if err := r.pool.QueryRow(ctx, countSQL, qctx.args).Scan(&total); err != nil {
		return 0, storageError("count entities", qctx, err)
	}
	return total, nil
}

// FindEntityData executes the full data/count pair of an EntityDataQuery and
// assembles the typed page.
func (r *Repository) FindEntityData(ctx context.Context, caller domain.Caller, query domain.EntityDataQuery) (domain.PageData[domain.EntityData], error) {
	var empty domain.PageData[domain.EntityData]
	plan, err := r.buildEntityPlan(caller, query)
	if err != nil {
		return empty, err
	}

	// Count and data run on one snapshot so hasNext stays consistent with the
	// page contents.
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return empty, storageError("begin entity query", plan.ctx, err)
	}
	defer tx.Rollback(ctx)

	var total int64
	if err := tx.QueryRow(ctx, plan.countSQL, plan.ctx.args).Scan(&total); err != nil {
		return empty, storageError("count entity data", plan.ctx, err)
	}
	rows, err := tx.Query(ctx, plan.dataSQL, plan.ctx.args)
	if err != nil {
		return empty, storageError("query entity data", plan.ctx, err)
	}
	records, err := collectRows(rows)
	if err != nil {
		return empty, storageError("read entity data", plan.ctx, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return empty, storageError("commit entity query", plan.ctx, err)
	}

	data, err := adaptEntityRows(records, plan.fieldKeys, plan.latest, plan.latestAliases)
	if err != nil {
		return empty, err
	}
	return domain.NewPageData(data, query.PageLink, total), nil
}

func (r *Repository) buildEntityPlan(caller domain.Caller, query domain.EntityDataQuery) (entityPlan, error) {
	if err := query.Filter.Validate(); err != nil {
		return entityPlan{}, err
	}
	if err := query.PageLink.Validate(); err != nil {
		return entityPlan{}, err
	}
	qctx := newQueryContext(securityContext{tenantID: caller.TenantID, customerID: caller.CustomerID})
	candidate, err := buildCandidateQuery(qctx, query.Filter)
	if err != nil {
		return entityPlan{}, err
	}
	b := newBinder(qctx, candidate)
	if err := b.bindEntityFields(query.EntityFields); err != nil {
		return entityPlan{}, err
	}
	latest := make([]domain.EntityKey, 0, len(query.LatestValues))
	for _, key := range query.LatestValues {
		if err := key.Validate(); err != nil {
			return entityPlan{}, err
		}
		latest = append(latest, key)
	}
	if err := b.bindLatestValues(latest); err != nil {
		return entityPlan{}, err
	}

	where, err := compileKeyFilters(qctx, b, query.KeyFilters)
	if err != nil {
		return entityPlan{}, err
	}
	where = appendTextSearch(qctx, b, where, query.PageLink.TextSearch)

	orderBy, err := buildOrderBy(qctx, b, candidate, query.PageLink.SortOrder)
	if err != nil {
		return entityPlan{}, err
	}

	base := fmt.Sprintf("FROM (%s) s%s%s", candidate.sql, b.joinClause(), where)
	dataSQL := fmt.Sprintf("SELECT %s %s%s", b.selectList(), base, orderBy)
	if query.PageLink.PageSize > 0 {
		limitParam := qctx.addLong("page_limit", int64(query.PageLink.PageSize))
		offsetParam := qctx.addLong("page_offset", int64(query.PageLink.PageSize)*int64(query.PageLink.Page))
		dataSQL = fmt.Sprintf("%s LIMIT %s OFFSET %s", dataSQL, limitParam, offsetParam)
	}
	countSQL := "SELECT count(*) " + base

	return entityPlan{
		dataSQL:       dataSQL,
		countSQL:      countSQL,
		ctx:           qctx,
		fieldKeys:     b.projectedFieldKeys(),
		latest:        latest,
		latestAliases: b.latestAliases(),
	}, nil
}

// compileKeyFilters lowers the key filters into a WHERE clause fragment. The
// shared binder creates latest joins for keys the projection did not request.
func compileKeyFilters(ctx *queryContext, b *binder, filters []domain.KeyFilter) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filters))
	for _, filter := range filters {
		if err := filter.Validate(); err != nil {
			return "", err
		}
		part, err := compileKeyFilter(ctx, filter, b.resolve)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

// appendTextSearch adds the case-insensitive prefix disjunction across every
// projected entity field.
func appendTextSearch(ctx *queryContext, b *binder, where, textSearch string) string {
	if textSearch == "" {
		return where
	}
	exprs := b.textSearchExprs()
	if len(exprs) == 0 {
		return where
	}
	param := ctx.addString("text_search", textSearch)
	parts := make([]string, 0, len(exprs))
	for _, expr := range exprs {
		parts = append(parts, fmt.Sprintf("LOWER(CAST(%s AS varchar)) LIKE concat(LOWER(%s), '%%')", expr, param))
	}
	clause := "(" + strings.Join(parts, " OR ") + ")"
	if where == "" {
		return " WHERE " + clause
	}
	return where + " AND " + clause
}

// buildOrderBy lowers the sort order with the stable tie-break appended. With
// no explicit sort, traversal candidates order by depth then creation time;
// everything else orders by creation time descending.
func buildOrderBy(ctx *queryContext, b *binder, candidate candidateQuery, sortOrder *domain.EntityDataSortOrder) (string, error) {
	const tieBreak = "s.entity_type ASC, s.id ASC"
	if sortOrder == nil {
		if candidate.hasLevel {
			return fmt.Sprintf(" ORDER BY s.level ASC, %s ASC, %s", b.createdTimeExpr(), tieBreak), nil
		}
		return fmt.Sprintf(" ORDER BY %s DESC, %s", b.createdTimeExpr(), tieBreak), nil
	}

	direction := "ASC"
	if sortOrder.Direction == domain.SortDesc {
		direction = "DESC"
	}
	key := sortOrder.Key
	switch key.Type {
	case domain.KeyTypeEntityField:
		expr := b.entityFieldExpr(key.Key, "")
		return fmt.Sprintf(" ORDER BY %s %s, %s", expr, direction, tieBreak), nil
	case domain.KeyTypeAlarmField:
		return "", domain.NewInvalidQuery("alarm fields cannot sort entity queries")
	}
	expr, err := b.latestSortExpr(key)
	if err != nil {
		return "", err
	}
	nulls := "NULLS LAST"
	if direction == "DESC" {
		nulls = "NULLS FIRST"
	}
	return fmt.Sprintf(" ORDER BY %s %s %s, %s", expr, direction, nulls, tieBreak), nil
}

// collectRows materializes a result set as column-name keyed maps, the shape
// the result adapter consumes.
func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var records []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		record := make(map[string]any, len(fields))
		for i, field := range fields {
			record[field.Name] = values[i]
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// storageError classifies an execution failure. Bound parameter values stay
// out of the log line; only names are listed.
func storageError(op string, ctx *queryContext, err error) error {
	if err == nil {
		return nil
	}
	log.Printf("[query] %s failed: %v (params: %s)", op, err, paramNames(ctx))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return domain.NewStorageUnavailable(op, err)
	}
	var connectError *pgconn.ConnectError
	if errors.As(err, &connectError) {
		return domain.NewStorageUnavailable(op, err)
	}
	return domain.NewStorageError(op, err)
}

func paramNames(ctx *queryContext) string {
	if ctx == nil {
		return ""
	}
	names := make([]string, 0, len(ctx.args))
	for name := range ctx.args {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// uuidFromAny converts the driver's uuid representations.
func uuidFromAny(value any) (uuid.UUID, bool) {
	switch v := value.(type) {
	case [16]byte:
		return uuid.UUID(v), true
	case string:
		parsed, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, false
		}
		return parsed, true
	case uuid.UUID:
		return v, true
	}
	return uuid.Nil, false
}
