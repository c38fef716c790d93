package memory

import (
	"fmt"
	"sort"
	"strings"
)

// NormalizeWhere rewrites the friendly multi-field form into an explicit $and:
//
//	{"tag":"food","type":"preference"} -> {"$and":[{"tag":"food"},{"type":"preference"}]}
//
// Single-field filters and filters that already use $and or $or are returned as is.
func NormalizeWhere(where map[string]any) map[string]any {
	if len(where) == 0 {
		return nil
	}
	if _, ok := where["$and"]; ok {
		return where
	}
	if _, ok := where["$or"]; ok {
		return where
	}
	if len(where) == 1 {
		return where
	}

	keys := sortedKeys(where)
	clauses := make([]any, 0, len(keys))
	for _, k := range keys {
		clauses = append(clauses, map[string]any{k: where[k]})
	}
	return map[string]any{"$and": clauses}
}

var comparisonOps = map[string]string{
	"$eq":  "=",
	"$ne":  "!=",
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

// compileWhere turns a normalized filter into a SQL boolean expression over
// the metadata column. Field names are checked against the allowed keys before
// being inlined; values are always bound.
func compileWhere(where map[string]any, column string) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	c := &whereCompiler{column: column}
	clause, err := c.node(where)
	if err != nil {
		return "", nil, err
	}
	return clause, c.args, nil
}

type whereCompiler struct {
	column string
	args   []any
}

func (c *whereCompiler) node(node map[string]any) (string, error) {
	if len(node) == 0 {
		return "", fmt.Errorf("%w: empty clause", ErrInvalidFilter)
	}
	var parts []string
	for _, key := range sortedKeys(node) {
		value := node[key]
		var (
			part string
			err  error
		)
		switch key {
		case "$and":
			part, err = c.logical(value, " AND ")
		case "$or":
			part, err = c.logical(value, " OR ")
		default:
			part, err = c.field(key, value)
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (c *whereCompiler) logical(value any, sep string) (string, error) {
	list, ok := value.([]any)
	if !ok {
		if maps, isMaps := value.([]map[string]any); isMaps {
			for _, m := range maps {
				list = append(list, m)
			}
			ok = true
		}
	}
	if !ok || len(list) == 0 {
		return "", fmt.Errorf("%w: logical operator needs a non-empty list", ErrInvalidFilter)
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%w: logical operands must be objects", ErrInvalidFilter)
		}
		part, err := c.node(m)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (c *whereCompiler) field(key string, value any) (string, error) {
	if !allowedMetaKeys[key] {
		return "", fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, key)
	}
	expr := fmt.Sprintf("json_extract(%s, '$.%s')", c.column, key)

	ops, isOps := value.(map[string]any)
	if !isOps {
		return c.compare(expr, "$eq", value)
	}
	if len(ops) == 0 {
		return "", fmt.Errorf("%w: empty operator object for %q", ErrInvalidFilter, key)
	}
	var parts []string
	for _, op := range sortedKeys(ops) {
		part, err := c.compare(expr, op, ops[op])
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (c *whereCompiler) compare(expr, op string, value any) (string, error) {
	if op == "$in" || op == "$nin" {
		list, ok := value.([]any)
		if !ok {
			return "", fmt.Errorf("%w: %s needs a list", ErrInvalidFilter, op)
		}
		if len(list) == 0 {
			if op == "$in" {
				return "0", nil
			}
			return "1", nil
		}
		marks := make([]string, len(list))
		for i, v := range list {
			arg, err := bindable(v)
			if err != nil {
				return "", err
			}
			marks[i] = "?"
			c.args = append(c.args, arg)
		}
		not := ""
		if op == "$nin" {
			not = "NOT "
		}
		return fmt.Sprintf("%s %sIN (%s)", expr, not, strings.Join(marks, ", ")), nil
	}

	sqlOp, ok := comparisonOps[op]
	if !ok {
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, op)
	}
	if value == nil {
		switch op {
		case "$eq":
			return expr + " IS NULL", nil
		case "$ne":
			return expr + " IS NOT NULL", nil
		}
		return "", fmt.Errorf("%w: %s cannot compare with null", ErrInvalidFilter, op)
	}
	arg, err := bindable(value)
	if err != nil {
		return "", err
	}
	c.args = append(c.args, arg)
	return fmt.Sprintf("%s %s ?", expr, sqlOp), nil
}

// bindable converts a filter value to a SQL argument. json_extract yields 1/0
// for JSON booleans, so booleans bind as integers.
func bindable(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string, float64, float32, int, int64, int32:
		return x, nil
	}
	return nil, fmt.Errorf("%w: unsupported value %T", ErrInvalidFilter, v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
