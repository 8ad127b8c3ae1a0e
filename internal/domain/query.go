package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EntityKeyType classifies what a logical key addresses.
type EntityKeyType string

const (
	KeyTypeEntityField     EntityKeyType = "ENTITY_FIELD"
	KeyTypeAttribute       EntityKeyType = "ATTRIBUTE"
	KeyTypeClientAttribute EntityKeyType = "CLIENT_ATTRIBUTE"
	KeyTypeServerAttribute EntityKeyType = "SERVER_ATTRIBUTE"
	KeyTypeSharedAttribute EntityKeyType = "SHARED_ATTRIBUTE"
	KeyTypeTimeSeries      EntityKeyType = "TIME_SERIES"
	KeyTypeAlarmField      EntityKeyType = "ALARM_FIELD"
)

var entityKeyTypes = map[EntityKeyType]struct{}{
	KeyTypeEntityField:     {},
	KeyTypeAttribute:       {},
	KeyTypeClientAttribute: {},
	KeyTypeServerAttribute: {},
	KeyTypeSharedAttribute: {},
	KeyTypeTimeSeries:      {},
	KeyTypeAlarmField:      {},
}

// IsAttribute reports whether the key addresses attribute_kv rows.
func (t EntityKeyType) IsAttribute() bool {
	switch t {
	case KeyTypeAttribute, KeyTypeClientAttribute, KeyTypeServerAttribute, KeyTypeSharedAttribute:
		return true
	}
	return false
}

// EntityKey names an entity column, attribute, telemetry value, or alarm
// column.
type EntityKey struct {
	Type EntityKeyType `json:"type"`
	Key  string        `json:"key"`
}

// Validate checks the key type against the closed enum.
func (k EntityKey) Validate() error {
	if _, ok := entityKeyTypes[k.Type]; !ok {
		return NewInvalidQuery(fmt.Sprintf("unknown entity key type %q", k.Type))
	}
	if strings.TrimSpace(k.Key) == "" {
		return NewInvalidQuery("entity key name must not be empty")
	}
	return nil
}

// EntityKeyValueType selects the comparison semantics of a key filter.
type EntityKeyValueType string

const (
	ValueTypeString   EntityKeyValueType = "STRING"
	ValueTypeNumeric  EntityKeyValueType = "NUMERIC"
	ValueTypeBoolean  EntityKeyValueType = "BOOLEAN"
	ValueTypeDateTime EntityKeyValueType = "DATE_TIME"
)

// StringOperation enumerates string predicate operators.
type StringOperation string

const (
	StringEqual       StringOperation = "EQUAL"
	StringNotEqual    StringOperation = "NOT_EQUAL"
	StringStartsWith  StringOperation = "STARTS_WITH"
	StringEndsWith    StringOperation = "ENDS_WITH"
	StringContains    StringOperation = "CONTAINS"
	StringNotContains StringOperation = "NOT_CONTAINS"
)

// NumericOperation enumerates numeric predicate operators.
type NumericOperation string

const (
	NumericEqual          NumericOperation = "EQUAL"
	NumericNotEqual       NumericOperation = "NOT_EQUAL"
	NumericGreater        NumericOperation = "GREATER"
	NumericLess           NumericOperation = "LESS"
	NumericGreaterOrEqual NumericOperation = "GREATER_OR_EQUAL"
	NumericLessOrEqual    NumericOperation = "LESS_OR_EQUAL"
)

// BooleanOperation enumerates boolean predicate operators.
type BooleanOperation string

const (
	BooleanEqual    BooleanOperation = "EQUAL"
	BooleanNotEqual BooleanOperation = "NOT_EQUAL"
)

// ComplexOperation joins nested predicates.
type ComplexOperation string

const (
	ComplexAnd ComplexOperation = "AND"
	ComplexOr  ComplexOperation = "OR"
)

// DynamicValue references another key whose resolved column supplies the
// comparison operand instead of a literal.
type DynamicValue struct {
	Key EntityKey `json:"key"`
}

// FilterPredicateValue carries either a literal default or a dynamic column
// reference.
type FilterPredicateValue struct {
	DefaultValue any           `json:"defaultValue"`
	DynamicValue *DynamicValue `json:"dynamicValue,omitempty"`
}

// KeyFilterPredicate is the closed predicate sum: exactly one of the variant
// pointers is non-nil.
type KeyFilterPredicate struct {
	String  *StringPredicate
	Numeric *NumericPredicate
	Boolean *BooleanPredicate
	Complex *ComplexPredicate
}

type StringPredicate struct {
	Operation  StringOperation      `json:"operation"`
	Value      FilterPredicateValue `json:"value"`
	IgnoreCase bool                 `json:"ignoreCase"`
}

type NumericPredicate struct {
	Operation NumericOperation     `json:"operation"`
	Value     FilterPredicateValue `json:"value"`
}

type BooleanPredicate struct {
	Operation BooleanOperation     `json:"operation"`
	Value     FilterPredicateValue `json:"value"`
}

type ComplexPredicate struct {
	Operation ComplexOperation     `json:"operation"`
	Operands  []KeyFilterPredicate `json:"predicates"`
}

type predicateEnvelope struct {
	Type string `json:"type"`
}

// UnmarshalJSON dispatches on the "type" discriminator.
func (p *KeyFilterPredicate) UnmarshalJSON(data []byte) error {
	var env predicateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch strings.ToUpper(env.Type) {
	case "STRING":
		p.String = &StringPredicate{}
		return json.Unmarshal(data, p.String)
	case "NUMERIC":
		p.Numeric = &NumericPredicate{}
		return json.Unmarshal(data, p.Numeric)
	case "BOOLEAN":
		p.Boolean = &BooleanPredicate{}
		return json.Unmarshal(data, p.Boolean)
	case "COMPLEX":
		p.Complex = &ComplexPredicate{}
		return json.Unmarshal(data, p.Complex)
	}
	return NewInvalidQuery(fmt.Sprintf("unknown predicate type %q", env.Type))
}

func (p KeyFilterPredicate) MarshalJSON() ([]byte, error) {
	switch {
	case p.String != nil:
		return marshalTagged("STRING", p.String)
	case p.Numeric != nil:
		return marshalTagged("NUMERIC", p.Numeric)
	case p.Boolean != nil:
		return marshalTagged("BOOLEAN", p.Boolean)
	case p.Complex != nil:
		return marshalTagged("COMPLEX", p.Complex)
	}
	return nil, NewInvalidQuery("empty key filter predicate")
}

func marshalTagged(tag string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", tag))
	return json.Marshal(fields)
}

// Validate ensures exactly one variant is set, recursively.
func (p KeyFilterPredicate) Validate() error {
	set := 0
	if p.String != nil {
		set++
	}
	if p.Numeric != nil {
		set++
	}
	if p.Boolean != nil {
		set++
	}
	if p.Complex != nil {
		set++
	}
	if set != 1 {
		return NewInvalidQuery("key filter predicate must carry exactly one variant")
	}
	if p.Complex != nil {
		if len(p.Complex.Operands) == 0 {
			return NewInvalidQuery("complex predicate requires at least one operand")
		}
		if p.Complex.Operation != ComplexAnd && p.Complex.Operation != ComplexOr {
			return NewInvalidQuery(fmt.Sprintf("unknown complex operation %q", p.Complex.Operation))
		}
		for _, op := range p.Complex.Operands {
			if err := op.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// KeyFilter applies a typed predicate to a single key.
type KeyFilter struct {
	Key       EntityKey          `json:"key"`
	ValueType EntityKeyValueType `json:"valueType"`
	Predicate KeyFilterPredicate `json:"predicate"`
}

func (f KeyFilter) Validate() error {
	if err := f.Key.Validate(); err != nil {
		return err
	}
	switch f.ValueType {
	case ValueTypeString, ValueTypeNumeric, ValueTypeBoolean, ValueTypeDateTime:
	default:
		return NewInvalidQuery(fmt.Sprintf("unknown key filter value type %q", f.ValueType))
	}
	return f.Predicate.Validate()
}

// EntityDataQuery selects, projects, and pages entity records.
type EntityDataQuery struct {
	Filter       EntityFilter       `json:"entityFilter"`
	PageLink     EntityDataPageLink `json:"pageLink"`
	EntityFields []EntityKey        `json:"entityFields,omitempty"`
	LatestValues []EntityKey        `json:"latestValues,omitempty"`
	KeyFilters   []KeyFilter        `json:"keyFilters,omitempty"`
}

// Next returns the query advanced to the following page.
func (q EntityDataQuery) Next() EntityDataQuery {
	next := q
	next.PageLink.Page++
	return next
}

// EntityCountQuery counts the entities a filter selects.
type EntityCountQuery struct {
	Filter     EntityFilter `json:"entityFilter"`
	KeyFilters []KeyFilter  `json:"keyFilters,omitempty"`
}
