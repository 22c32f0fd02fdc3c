// Copyright 2025 James Ross
package events

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PaesslerAG/jsonpath"
)

// MatchType enumerates the comparison operators a Simple or JsonPath filter
// can apply (§4.3).
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
	MatchContains MatchType = "contains"
	MatchGT       MatchType = "gt"
	MatchLT       MatchType = "lt"
	MatchGTE      MatchType = "gte"
	MatchLTE      MatchType = "lte"
	MatchAny      MatchType = "any"
	MatchAll      MatchType = "all"
)

// CompoundOp enumerates compound filter operators (§4.3).
type CompoundOp string

const (
	CompoundAnd CompoundOp = "AND"
	CompoundOr  CompoundOp = "OR"
	CompoundNot CompoundOp = "NOT"
)

// FilterResult is the outcome of evaluating a FilterExpression.
type FilterResult struct {
	Matches bool
	Error   string
}

// FilterExpression is the sum type described in §4.3: Simple, JsonPath,
// CustomFunction, or Compound.
type FilterExpression interface {
	// Validate is called eagerly at subscription registration time and
	// returns an error for malformed expressions (missing custom function
	// name, NOT with != 1 child, compound with 0 children).
	Validate(fm *FilterManager) error
	// Evaluate never panics or returns an error to the caller; evaluation
	// failures are reported as FilterResult{Matches: false, Error: ...}.
	Evaluate(fm *FilterManager, event Event) FilterResult
	// Type names the concrete expression kind for introspection
	// (GetFilterStatistics), independent of Go's reflected type name.
	Type() string
}

// SimpleFilter extracts a value via a dotted field path and compares it.
type SimpleFilter struct {
	FieldPath     string
	ExpectedValue interface{}
	MatchType     MatchType
}

func (f *SimpleFilter) Validate(*FilterManager) error {
	if f.FieldPath == "" {
		return &ValidationError{Field: "field_path", Reason: "must not be empty"}
	}
	switch f.MatchType {
	case MatchExact, MatchRegex, MatchContains, MatchGT, MatchLT, MatchGTE, MatchLTE:
	default:
		return &ValidationError{Field: "match_type", Reason: fmt.Sprintf("unsupported for simple filter: %s", f.MatchType)}
	}
	return nil
}

func (f *SimpleFilter) Type() string { return "SimpleFilter" }

func (f *SimpleFilter) Evaluate(_ *FilterManager, event Event) FilterResult {
	defer func() { recover() }() // an evaluation panic never propagates
	val, ok := extractDottedPath(event, f.FieldPath)
	if !ok {
		return FilterResult{Matches: false}
	}
	matched, err := compareValues(val, f.ExpectedValue, f.MatchType)
	if err != nil {
		return FilterResult{Matches: false, Error: err.Error()}
	}
	return FilterResult{Matches: matched}
}

// JsonPathFilter extracts via a JSONPath expression ("$.a.b", "[*]",
// "[idx]") backed by github.com/PaesslerAG/jsonpath.
type JsonPathFilter struct {
	Expr          string
	ExpectedValue interface{}
	MatchType     MatchType
}

func (f *JsonPathFilter) Validate(*FilterManager) error {
	if !strings.HasPrefix(f.Expr, "$") {
		return &ValidationError{Field: "expr", Reason: "jsonpath expression must start with '$'"}
	}
	switch f.MatchType {
	case MatchExact, MatchContains, MatchRegex, MatchAny, MatchAll:
	default:
		return &ValidationError{Field: "match_type", Reason: fmt.Sprintf("unsupported for jsonpath filter: %s", f.MatchType)}
	}
	return nil
}

func (f *JsonPathFilter) Type() string { return "JsonPathFilter" }

func (f *JsonPathFilter) Evaluate(_ *FilterManager, event Event) FilterResult {
	defer func() { recover() }()
	doc := envelopeAsMap(event)
	extracted, err := jsonpath.Get(f.Expr, doc)
	if err != nil {
		return FilterResult{Matches: false, Error: err.Error()}
	}

	switch f.MatchType {
	case MatchAny, MatchAll:
		items, ok := extracted.([]interface{})
		if !ok {
			items = []interface{}{extracted}
		}
		matches := 0
		for _, item := range items {
			if ok, _ := compareValues(item, f.ExpectedValue, MatchExact); ok {
				matches++
			}
		}
		if f.MatchType == MatchAny {
			return FilterResult{Matches: matches > 0}
		}
		return FilterResult{Matches: matches == len(items) && len(items) > 0}
	case MatchContains, MatchRegex:
		items, ok := extracted.([]interface{})
		if !ok {
			items = []interface{}{extracted}
		}
		for _, item := range items {
			if ok, _ := compareValues(item, f.ExpectedValue, f.MatchType); ok {
				return FilterResult{Matches: true}
			}
		}
		return FilterResult{Matches: false}
	default: // exact
		matched, err := compareValues(extracted, f.ExpectedValue, MatchExact)
		if err != nil {
			return FilterResult{Matches: false, Error: err.Error()}
		}
		return FilterResult{Matches: matched}
	}
}

// FilterPredicate is a named, registered evaluation function (§9's
// "dynamic filter registration").
type FilterPredicate func(event Event) bool

// CustomFunctionFilter looks up a named predicate registered with the
// FilterManager.
type CustomFunctionFilter struct {
	Name string
}

func (f *CustomFunctionFilter) Validate(fm *FilterManager) error {
	if fm == nil {
		return &ValidationError{Field: "name", Reason: "no filter manager to resolve custom function against"}
	}
	if _, ok := fm.lookup(f.Name); !ok {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("unregistered custom filter function: %s", f.Name)}
	}
	return nil
}

func (f *CustomFunctionFilter) Type() string { return "CustomFunctionFilter" }

func (f *CustomFunctionFilter) Evaluate(fm *FilterManager, event Event) FilterResult {
	defer func() { recover() }()
	pred, ok := fm.lookup(f.Name)
	if !ok {
		return FilterResult{Matches: false, Error: fmt.Sprintf("unregistered custom filter function: %s", f.Name)}
	}
	return FilterResult{Matches: pred(event)}
}

// CompoundFilter applies AND/OR/NOT logic over child expressions. NOT must
// have exactly one child; every compound needs at least one child.
type CompoundFilter struct {
	Op       CompoundOp
	Children []FilterExpression
}

func (f *CompoundFilter) Validate(fm *FilterManager) error {
	if len(f.Children) == 0 {
		return &ValidationError{Field: "children", Reason: "compound filter requires at least one child"}
	}
	if f.Op == CompoundNot && len(f.Children) != 1 {
		return &ValidationError{Field: "children", Reason: "NOT requires exactly one child"}
	}
	for _, c := range f.Children {
		if err := c.Validate(fm); err != nil {
			return err
		}
	}
	return nil
}

func (f *CompoundFilter) Type() string { return "CompoundFilter" }

func (f *CompoundFilter) Evaluate(fm *FilterManager, event Event) FilterResult {
	switch f.Op {
	case CompoundNot:
		r := f.Children[0].Evaluate(fm, event)
		return FilterResult{Matches: !r.Matches, Error: r.Error}
	case CompoundOr:
		for _, c := range f.Children {
			r := c.Evaluate(fm, event)
			if r.Matches {
				return FilterResult{Matches: true}
			}
		}
		return FilterResult{Matches: false}
	default: // AND, short-circuit on first miss
		for _, c := range f.Children {
			r := c.Evaluate(fm, event)
			if !r.Matches {
				return FilterResult{Matches: false, Error: r.Error}
			}
		}
		return FilterResult{Matches: true}
	}
}

// FilterManager evaluates lists of FilterExpression against events and
// holds the registry of named custom predicates.
type FilterManager struct {
	mu         sync.RWMutex
	predicates map[string]FilterPredicate
}

// NewFilterManager returns a FilterManager with the builtin predicates
// registered.
func NewFilterManager() *FilterManager {
	fm := &FilterManager{predicates: make(map[string]FilterPredicate)}
	fm.RegisterPredicate("always_true", func(Event) bool { return true })
	fm.RegisterPredicate("has_payload", func(e Event) bool { return len(e.Payload) > 0 })
	return fm
}

// RegisterPredicate adds (or replaces) a named custom predicate.
func (fm *FilterManager) RegisterPredicate(name string, pred FilterPredicate) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.predicates[name] = pred
}

func (fm *FilterManager) lookup(name string) (FilterPredicate, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	p, ok := fm.predicates[name]
	return p, ok
}

// EvaluateFilters ANDs a list of filter expressions with short-circuit on
// the first miss, matching Subscription.matches_filters' advanced-filter
// semantics.
func (fm *FilterManager) EvaluateFilters(filters []FilterExpression, event Event) FilterResult {
	for _, f := range filters {
		r := f.Evaluate(fm, event)
		if !r.Matches {
			return r
		}
	}
	return FilterResult{Matches: true}
}

// envelopeAsMap renders an event as a generic map for JSONPath evaluation.
func envelopeAsMap(event Event) map[string]interface{} {
	env := event.ToEnvelope()
	return map[string]interface{}{
		"schema_version": env.SchemaVersion,
		"id":              env.ID,
		"ts":              env.Ts,
		"topic":           string(env.Topic),
		"space_id":        env.SpaceID,
		"band":            string(env.Band),
		"policy_version":  env.PolicyVersion,
		"payload":         env.Payload,
		"qos": map[string]interface{}{
			"priority":          env.QoS.Priority,
			"latency_budget_ms": env.QoS.LatencyBudgetMs,
			"routing":           env.QoS.Routing,
			"retries":           env.QoS.Retries,
		},
	}
}

// extractDottedPath walks event.meta fields and payload keys by a dotted
// path, e.g. "qos.priority" or "payload.user_id".
func extractDottedPath(event Event, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	doc := envelopeAsMap(event)
	var cur interface{} = doc
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compareValues(actual, expected interface{}, mt MatchType) (bool, error) {
	switch mt {
	case MatchExact:
		return reflect.DeepEqual(normalize(actual), normalize(expected)), nil
	case MatchContains:
		as, err := toString(actual)
		if err != nil {
			return false, err
		}
		es, err := toString(expected)
		if err != nil {
			return false, err
		}
		return strings.Contains(as, es), nil
	case MatchRegex:
		as, err := toString(actual)
		if err != nil {
			return false, err
		}
		pattern, err := toString(expected)
		if err != nil {
			return false, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(as), nil
	case MatchGT, MatchLT, MatchGTE, MatchLTE:
		af, err := toFloat(actual)
		if err != nil {
			return false, err
		}
		ef, err := toFloat(expected)
		if err != nil {
			return false, err
		}
		switch mt {
		case MatchGT:
			return af > ef, nil
		case MatchLT:
			return af < ef, nil
		case MatchGTE:
			return af >= ef, nil
		default:
			return af <= ef, nil
		}
	default:
		return false, fmt.Errorf("unsupported match type: %s", mt)
	}
}

func normalize(v interface{}) interface{} {
	if f, err := toFloat(v); err == nil {
		return f
	}
	return v
}

func toString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}
