// Package filter compiles the declarative metadata predicate language of
// SPEC_FULL §4.D into a closure over a metadata map. Grounded on the
// teacher's pkg/core/advanced_filter.go (FilterExpression tree + composer
// operators), generalized from its string-parsed AND/OR/comparator form to
// the spec's JSON-like $eq/$and/... operator map, compiled once into an
// evaluator instead of re-walked per record.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// Metadata is the record metadata a compiled filter evaluates against.
type Metadata = map[string]any

// Evaluator is the compiled predicate: fn(metadata) -> bool.
type Evaluator func(Metadata) bool

var leafOperators = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true, "$exists": true, "$regex": true,
}

var logicalOperators = map[string]bool{"$and": true, "$or": true, "$not": true}

// Compile walks filterExpr once and returns a closed-over Evaluator.
// filterExpr is a tree of maps: a bare field->value or field->{$op: value}
// pair is a leaf equality/comparison, and "$and"/"$or"/"$not" keys compose
// child filters. Unknown operators fail at compile time.
func Compile(filterExpr map[string]any) (Evaluator, error) {
	return compileNode(filterExpr)
}

func compileNode(node map[string]any) (Evaluator, error) {
	if len(node) == 0 {
		return func(Metadata) bool { return true }, nil
	}

	// Deterministic key order so compile errors are stable across runs.
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var evaluators []Evaluator
	for _, key := range keys {
		value := node[key]
		switch key {
		case "$and":
			children, err := compileChildren(value)
			if err != nil {
				return nil, err
			}
			evaluators = append(evaluators, func(m Metadata) bool {
				for _, e := range children {
					if !e(m) {
						return false
					}
				}
				return true
			})
		case "$or":
			children, err := compileChildren(value)
			if err != nil {
				return nil, err
			}
			evaluators = append(evaluators, func(m Metadata) bool {
				for _, e := range children {
					if e(m) {
						return true
					}
				}
				return false
			})
		case "$not":
			childMap, ok := value.(map[string]any)
			if !ok {
				return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "$not requires an object operand")
			}
			child, err := compileNode(childMap)
			if err != nil {
				return nil, err
			}
			evaluators = append(evaluators, func(m Metadata) bool { return !child(m) })
		default:
			fieldEval, err := compileField(key, value)
			if err != nil {
				return nil, err
			}
			evaluators = append(evaluators, fieldEval)
		}
	}

	return func(m Metadata) bool {
		for _, e := range evaluators {
			if !e(m) {
				return false
			}
		}
		return true
	}, nil
}

func compileChildren(value any) ([]Evaluator, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "logical operator requires an array operand")
	}
	out := make([]Evaluator, 0, len(list))
	for _, item := range list {
		childMap, ok := item.(map[string]any)
		if !ok {
			return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "logical operand must be an object")
		}
		child, err := compileNode(childMap)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// compileField compiles a single `field: value` or `field: {$op: operand}` pair.
func compileField(field string, spec any) (Evaluator, error) {
	ops, ok := spec.(map[string]any)
	if !ok {
		// Bare value is shorthand for $eq.
		return compileLeaf(field, "$eq", spec)
	}

	// A map that doesn't use $-prefixed keys is a nested-object equality check.
	hasOperator := false
	for k := range ops {
		if leafOperators[k] {
			hasOperator = true
			break
		}
		if strings.HasPrefix(k, "$") && !isKnownKey(k) {
			return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "unknown filter operator %q", k)
		}
	}
	if !hasOperator {
		return compileLeaf(field, "$eq", spec)
	}

	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var evaluators []Evaluator
	for _, op := range keys {
		if !leafOperators[op] {
			return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "unknown filter operator %q", op)
		}
		e, err := compileLeaf(field, op, ops[op])
		if err != nil {
			return nil, err
		}
		evaluators = append(evaluators, e)
	}
	return func(m Metadata) bool {
		for _, e := range evaluators {
			if !e(m) {
				return false
			}
		}
		return true
	}, nil
}

func isKnownKey(k string) bool {
	return leafOperators[k] || logicalOperators[k]
}

func compileLeaf(field, op string, operand any) (Evaluator, error) {
	switch op {
	case "$eq":
		return func(m Metadata) bool { return valuesEqual(m[field], operand) }, nil
	case "$ne":
		return func(m Metadata) bool { return !valuesEqual(m[field], operand) }, nil
	case "$gt":
		return func(m Metadata) bool { return compareNumeric(m[field], operand) > 0 }, nil
	case "$gte":
		return func(m Metadata) bool { return compareNumeric(m[field], operand) >= 0 }, nil
	case "$lt":
		return func(m Metadata) bool { return compareNumeric(m[field], operand) < 0 }, nil
	case "$lte":
		return func(m Metadata) bool { return compareNumeric(m[field], operand) <= 0 }, nil
	case "$in":
		set, err := toSlice(operand)
		if err != nil {
			return nil, err
		}
		return func(m Metadata) bool { return containsValue(set, m[field]) }, nil
	case "$nin":
		set, err := toSlice(operand)
		if err != nil {
			return nil, err
		}
		return func(m Metadata) bool { return !containsValue(set, m[field]) }, nil
	case "$exists":
		want, _ := operand.(bool)
		return func(m Metadata) bool {
			_, ok := m[field]
			return ok == want
		}, nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "$regex operand must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "invalid $regex pattern: %v", err)
		}
		return func(m Metadata) bool {
			s, ok := m[field].(string)
			return ok && re.MatchString(s)
		}, nil
	default:
		return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "unknown filter operator %q", op)
	}
}

func toSlice(v any) ([]any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, verrors.New("filter.Compile", verrors.CodeInvalidFormat, "$in/$nin operand must be an array")
	}
	return list, nil
}

func containsValue(set []any, v any) bool {
	for _, candidate := range set {
		if valuesEqual(candidate, v) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
