package query

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// securityContext pins the caller scope a plan is compiled for.
type securityContext struct {
	tenantID   uuid.UUID
	customerID uuid.UUID
	targetType domain.EntityType
}

func (s securityContext) hasCustomerScope() bool {
	return s.customerID != uuid.Nil
}

// queryContext accumulates the named parameter bindings of one plan. It is
// passed by reference through every compiler so recursive compilation
// contributes into a single shared map, and it mints fresh names when a
// compiler needs uniqueness.
type queryContext struct {
	sec     securityContext
	args    pgx.NamedArgs
	counter int
}

func newQueryContext(sec securityContext) *queryContext {
	return &queryContext{sec: sec, args: pgx.NamedArgs{}}
}

// add binds value under name and returns the placeholder.
func (c *queryContext) add(name string, value any) string {
	c.args[name] = value
	return "@" + name
}

func (c *queryContext) addUUID(name string, value uuid.UUID) string {
	return c.add(name, value.String())
}

func (c *queryContext) addUUIDList(name string, values []uuid.UUID) string {
	list := make([]string, len(values))
	for i, v := range values {
		list[i] = v.String()
	}
	return c.add(name, list)
}

func (c *queryContext) addLong(name string, value int64) string {
	return c.add(name, value)
}

func (c *queryContext) addDouble(name string, value float64) string {
	return c.add(name, value)
}

func (c *queryContext) addString(name string, value string) string {
	return c.add(name, value)
}

func (c *queryContext) addStringList(name string, values []string) string {
	return c.add(name, values)
}

func (c *queryContext) addBool(name string, value bool) string {
	return c.add(name, value)
}

// nextName mints a unique parameter name derived from a hint. Hints come from
// user keys, so everything but [A-Za-z0-9_] is squashed.
func (c *queryContext) nextName(hint string) string {
	c.counter++
	sanitized := sanitizeParamName(hint)
	if sanitized == "" {
		sanitized = "param"
	}
	return fmt.Sprintf("%s_%d", sanitized, c.counter)
}

func sanitizeParamName(hint string) string {
	var b strings.Builder
	for _, r := range hint {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
