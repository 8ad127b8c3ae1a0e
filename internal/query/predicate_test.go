package query

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbcumt/thingsboard/internal/domain"
)

func testResolver(col resolvedColumn) columnResolver {
	return func(domain.EntityKey) (resolvedColumn, error) {
		return col, nil
	}
}

func nameColumn() resolvedColumn {
	return resolvedColumn{textExpr: "d.name", numericExpr: "d.name::double precision", boolExpr: "CAST(d.name AS boolean)"}
}

func TestCompileString_Operations(t *testing.T) {
	cases := []struct {
		op     domain.StringOperation
		expect string
	}{
		{domain.StringEqual, "d.name = @"},
		{domain.StringStartsWith, "d.name LIKE concat(@"},
		{domain.StringEndsWith, "d.name LIKE concat('%', @"},
		{domain.StringContains, "d.name LIKE concat('%', @"},
	}
	for _, tc := range cases {
		t.Run(string(tc.op), func(t *testing.T) {
			ctx := newQueryContext(securityContext{tenantID: uuid.New()})
			predicate := domain.KeyFilterPredicate{String: &domain.StringPredicate{
				Operation: tc.op,
				Value:     domain.FilterPredicateValue{DefaultValue: "Device1"},
			}}
			sql, err := compilePredicate(ctx, nameColumn(), "name", domain.ValueTypeString, predicate, testResolver(nameColumn()))
			require.NoError(t, err)
			assert.Contains(t, sql, tc.expect)
			assert.Len(t, ctx.args, 1)
			for _, v := range ctx.args {
				assert.Equal(t, "Device1", v)
			}
		})
	}
}

func TestCompileString_IgnoreCaseWrapsBothSides(t *testing.T) {
	ctx := newQueryContext(securityContext{tenantID: uuid.New()})
	predicate := domain.KeyFilterPredicate{String: &domain.StringPredicate{
		Operation:  domain.StringEqual,
		IgnoreCase: true,
		Value:      domain.FilterPredicateValue{DefaultValue: "device1"},
	}}
	sql, err := compilePredicate(ctx, nameColumn(), "name", domain.ValueTypeString, predicate, testResolver(nameColumn()))
	require.NoError(t, err)
	assert.Contains(t, sql, "LOWER(d.name) = LOWER(@")
}

func TestCompileString_NegativeOpsTreatNullAsDistinct(t *testing.T) {
	ctx := newQueryContext(securityContext{tenantID: uuid.New()})
	notEqual := domain.KeyFilterPredicate{String: &domain.StringPredicate{
		Operation: domain.StringNotEqual,
		Value:     domain.FilterPredicateValue{DefaultValue: "x"},
	}}
	sql, err := compilePredicate(ctx, nameColumn(), "name", domain.ValueTypeString, notEqual, testResolver(nameColumn()))
	require.NoError(t, err)
	assert.Contains(t, sql, "d.name IS NULL OR")

	notContains := domain.KeyFilterPredicate{String: &domain.StringPredicate{
		Operation: domain.StringNotContains,
		Value:     domain.FilterPredicateValue{DefaultValue: "x"},
	}}
	sql, err = compilePredicate(ctx, nameColumn(), "name", domain.ValueTypeString, notContains, testResolver(nameColumn()))
	require.NoError(t, err)
	assert.Contains(t, sql, "d.name IS NULL OR")
	assert.Contains(t, sql, "NOT LIKE")
}

func TestCompileNumeric_Operations(t *testing.T) {
	ops := map[domain.NumericOperation]string{
		domain.NumericEqual:          "=",
		domain.NumericGreater:        ">",
		domain.NumericLess:           "<",
		domain.NumericGreaterOrEqual: ">=",
		domain.NumericLessOrEqual:    "<=",
	}
	column := resolvedColumn{numericExpr: "COALESCE(a_1.dbl_v, a_1.long_v::double precision)"}
	for op, symbol := range ops {
		ctx := newQueryContext(securityContext{tenantID: uuid.New()})
		predicate := domain.KeyFilterPredicate{Numeric: &domain.NumericPredicate{
			Operation: op,
			Value:     domain.FilterPredicateValue{DefaultValue: float64(45)},
		}}
		sql, err := compilePredicate(ctx, column, "temperature", domain.ValueTypeNumeric, predicate, testResolver(column))
		require.NoError(t, err)
		assert.Contains(t, sql, column.numericExpr+" "+symbol+" @")
	}
}

func TestCompileNumeric_DateTimeBindsLong(t *testing.T) {
	ctx := newQueryContext(securityContext{tenantID: uuid.New()})
	column := resolvedColumn{numericExpr: "d.created_time"}
	predicate := domain.KeyFilterPredicate{Numeric: &domain.NumericPredicate{
		Operation: domain.NumericGreaterOrEqual,
		Value:     domain.FilterPredicateValue{DefaultValue: float64(1700000000000)},
	}}
	_, err := compilePredicate(ctx, column, "createdTime", domain.ValueTypeDateTime, predicate, testResolver(column))
	require.NoError(t, err)
	for _, v := range ctx.args {
		assert.IsType(t, int64(0), v)
	}
}

func TestCompileNumeric_BadValue(t *testing.T) {
	ctx := newQueryContext(securityContext{tenantID: uuid.New()})
	predicate := domain.KeyFilterPredicate{Numeric: &domain.NumericPredicate{
		Operation: domain.NumericGreater,
		Value:     domain.FilterPredicateValue{DefaultValue: "not-a-number"},
	}}
	_, err := compilePredicate(ctx, nameColumn(), "temperature", domain.ValueTypeNumeric, predicate, testResolver(nameColumn()))
	assert.True(t, errors.Is(err, domain.ErrInvalidQuery))
}

func TestCompileBoolean(t *testing.T) {
	ctx := newQueryContext(securityContext{tenantID: uuid.New()})
	column := resolvedColumn{boolExpr: "a_1.bool_v"}
	predicate := domain.KeyFilterPredicate{Boolean: &domain.BooleanPredicate{
		Operation: domain.BooleanEqual,
		Value:     domain.FilterPredicateValue{DefaultValue: true},
	}}
	sql, err := compilePredicate(ctx, column, "active", domain.ValueTypeBoolean, predicate, testResolver(column))
	require.NoError(t, err)
	assert.Contains(t, sql, "a_1.bool_v = @")
}

func TestCompileComplex_Nesting(t *testing.T) {
	ctx := newQueryContext(securityContext{tenantID: uuid.New()})
	predicate := domain.KeyFilterPredicate{Complex: &domain.ComplexPredicate{
		Operation: domain.ComplexOr,
		Operands: []domain.KeyFilterPredicate{
			{String: &domain.StringPredicate{Operation: domain.StringEqual, Value: domain.FilterPredicateValue{DefaultValue: "a"}}},
			{Complex: &domain.ComplexPredicate{
				Operation: domain.ComplexAnd,
				Operands: []domain.KeyFilterPredicate{
					{String: &domain.StringPredicate{Operation: domain.StringContains, Value: domain.FilterPredicateValue{DefaultValue: "b"}}},
					{String: &domain.StringPredicate{Operation: domain.StringNotEqual, Value: domain.FilterPredicateValue{DefaultValue: "c"}}},
				},
			}},
		},
	}}
	sql, err := compilePredicate(ctx, nameColumn(), "name", domain.ValueTypeString, predicate, testResolver(nameColumn()))
	require.NoError(t, err)
	assert.True(t, sql[0] == '(' && sql[len(sql)-1] == ')', "complex predicate must be parenthesized: %s", sql)
	assert.Contains(t, sql, " OR ")
	assert.Contains(t, sql, " AND ")
	assert.Len(t, ctx.args, 3)
}

func TestCompile_DynamicValueBindsByReference(t *testing.T) {
	ctx := newQueryContext(securityContext{tenantID: uuid.New()})
	reference := resolvedColumn{textExpr: "a_2.str_v", numericExpr: "a_2.dbl_v"}
	resolver := func(key domain.EntityKey) (resolvedColumn, error) {
		if key.Key == "threshold" {
			return reference, nil
		}
		return nameColumn(), nil
	}
	predicate := domain.KeyFilterPredicate{Numeric: &domain.NumericPredicate{
		Operation: domain.NumericGreater,
		Value: domain.FilterPredicateValue{
			DynamicValue: &domain.DynamicValue{Key: domain.EntityKey{Type: domain.KeyTypeAttribute, Key: "threshold"}},
		},
	}}
	column := resolvedColumn{numericExpr: "a_1.dbl_v"}
	sql, err := compilePredicate(ctx, column, "temperature", domain.ValueTypeNumeric, predicate, resolver)
	require.NoError(t, err)
	assert.Equal(t, "a_1.dbl_v > a_2.dbl_v", sql)
	assert.Empty(t, ctx.args, "dynamic comparison must not bind a literal")
}
