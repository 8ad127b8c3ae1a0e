package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// resolvedColumn is a key resolved to SQL expressions, one per comparison
// family. A latest-value key yields coalesced value cells; an entity field
// yields the per-type CASE expression.
type resolvedColumn struct {
	textExpr    string
	numericExpr string
	boolExpr    string
}

// columnResolver resolves an EntityKey to its column expressions. The
// projection binder supplies it so predicate compilation can reference
// already-joined latest columns and dynamic-value keys.
type columnResolver func(domain.EntityKey) (resolvedColumn, error)

// compileKeyFilter lowers one KeyFilter to a boolean SQL fragment with all
// values bound through the shared context.
func compileKeyFilter(ctx *queryContext, filter domain.KeyFilter, resolve columnResolver) (string, error) {
	column, err := resolve(filter.Key)
	if err != nil {
		return "", err
	}
	return compilePredicate(ctx, column, filter.Key.Key, filter.ValueType, filter.Predicate, resolve)
}

func compilePredicate(ctx *queryContext, column resolvedColumn, keyHint string, valueType domain.EntityKeyValueType, predicate domain.KeyFilterPredicate, resolve columnResolver) (string, error) {
	switch {
	case predicate.Complex != nil:
		return compileComplex(ctx, column, keyHint, valueType, predicate.Complex, resolve)
	case predicate.String != nil:
		return compileString(ctx, column, keyHint, predicate.String, resolve)
	case predicate.Numeric != nil:
		return compileNumeric(ctx, column, keyHint, valueType, predicate.Numeric, resolve)
	case predicate.Boolean != nil:
		return compileBoolean(ctx, column, keyHint, predicate.Boolean, resolve)
	}
	return "", domain.NewInvalidQuery("empty key filter predicate")
}

func compileComplex(ctx *queryContext, column resolvedColumn, keyHint string, valueType domain.EntityKeyValueType, predicate *domain.ComplexPredicate, resolve columnResolver) (string, error) {
	joiner := " AND "
	if predicate.Operation == domain.ComplexOr {
		joiner = " OR "
	}
	parts := make([]string, 0, len(predicate.Operands))
	for _, operand := range predicate.Operands {
		part, err := compilePredicate(ctx, column, keyHint, valueType, operand, resolve)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func compileString(ctx *queryContext, column resolvedColumn, keyHint string, predicate *domain.StringPredicate, resolve columnResolver) (string, error) {
	operand, err := stringOperand(ctx, keyHint, predicate, resolve)
	if err != nil {
		return "", err
	}
	subject := column.textExpr
	if predicate.IgnoreCase {
		subject = "LOWER(" + subject + ")"
		operand = "LOWER(" + operand + ")"
	}
	switch predicate.Operation {
	case domain.StringEqual:
		return fmt.Sprintf("%s = %s", subject, operand), nil
	case domain.StringNotEqual:
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", column.textExpr, subject, operand), nil
	case domain.StringStartsWith:
		return fmt.Sprintf("%s LIKE concat(%s, '%%')", subject, operand), nil
	case domain.StringEndsWith:
		return fmt.Sprintf("%s LIKE concat('%%', %s)", subject, operand), nil
	case domain.StringContains:
		return fmt.Sprintf("%s LIKE concat('%%', %s, '%%')", subject, operand), nil
	case domain.StringNotContains:
		return fmt.Sprintf("(%s IS NULL OR %s NOT LIKE concat('%%', %s, '%%'))", column.textExpr, subject, operand), nil
	}
	return "", domain.NewInvalidQuery(fmt.Sprintf("unknown string operation %q", predicate.Operation))
}

func stringOperand(ctx *queryContext, keyHint string, predicate *domain.StringPredicate, resolve columnResolver) (string, error) {
	if predicate.Value.DynamicValue != nil {
		ref, err := resolve(predicate.Value.DynamicValue.Key)
		if err != nil {
			return "", err
		}
		return ref.textExpr, nil
	}
	literal := stringifyLiteral(predicate.Value.DefaultValue)
	return ctx.addString(ctx.nextName(keyHint), literal), nil
}

func compileNumeric(ctx *queryContext, column resolvedColumn, keyHint string, valueType domain.EntityKeyValueType, predicate *domain.NumericPredicate, resolve columnResolver) (string, error) {
	operand, err := numericOperand(ctx, keyHint, valueType, predicate, resolve)
	if err != nil {
		return "", err
	}
	var op string
	switch predicate.Operation {
	case domain.NumericEqual:
		op = "="
	case domain.NumericNotEqual:
		op = "<>"
	case domain.NumericGreater:
		op = ">"
	case domain.NumericLess:
		op = "<"
	case domain.NumericGreaterOrEqual:
		op = ">="
	case domain.NumericLessOrEqual:
		op = "<="
	default:
		return "", domain.NewInvalidQuery(fmt.Sprintf("unknown numeric operation %q", predicate.Operation))
	}
	if predicate.Operation == domain.NumericNotEqual {
		return fmt.Sprintf("(%s IS NULL OR %s %s %s)", column.numericExpr, column.numericExpr, op, operand), nil
	}
	return fmt.Sprintf("%s %s %s", column.numericExpr, op, operand), nil
}

func numericOperand(ctx *queryContext, keyHint string, valueType domain.EntityKeyValueType, predicate *domain.NumericPredicate, resolve columnResolver) (string, error) {
	if predicate.Value.DynamicValue != nil {
		ref, err := resolve(predicate.Value.DynamicValue.Key)
		if err != nil {
			return "", err
		}
		return ref.numericExpr, nil
	}
	value, err := coerceNumeric(predicate.Value.DefaultValue)
	if err != nil {
		return "", err
	}
	name := ctx.nextName(keyHint)
	if valueType == domain.ValueTypeDateTime {
		return ctx.addLong(name, int64(value)), nil
	}
	return ctx.addDouble(name, value), nil
}

func compileBoolean(ctx *queryContext, column resolvedColumn, keyHint string, predicate *domain.BooleanPredicate, resolve columnResolver) (string, error) {
	var operand string
	if predicate.Value.DynamicValue != nil {
		ref, err := resolve(predicate.Value.DynamicValue.Key)
		if err != nil {
			return "", err
		}
		operand = ref.boolExpr
	} else {
		value, err := coerceBool(predicate.Value.DefaultValue)
		if err != nil {
			return "", err
		}
		operand = ctx.addBool(ctx.nextName(keyHint), value)
	}
	switch predicate.Operation {
	case domain.BooleanEqual:
		return fmt.Sprintf("%s = %s", column.boolExpr, operand), nil
	case domain.BooleanNotEqual:
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", column.boolExpr, column.boolExpr, operand), nil
	}
	return "", domain.NewInvalidQuery(fmt.Sprintf("unknown boolean operation %q", predicate.Operation))
}

func stringifyLiteral(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func coerceNumeric(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, domain.NewInvalidQuery(fmt.Sprintf("numeric predicate value %q is not a number", v))
		}
		return parsed, nil
	}
	return 0, domain.NewInvalidQuery(fmt.Sprintf("numeric predicate value %v is not a number", value))
}

func coerceBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, domain.NewInvalidQuery(fmt.Sprintf("boolean predicate value %q is not a boolean", v))
		}
		return parsed, nil
	}
	return false, domain.NewInvalidQuery(fmt.Sprintf("boolean predicate value %v is not a boolean", value))
}
