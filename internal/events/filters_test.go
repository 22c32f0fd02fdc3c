// Copyright 2025 James Ross
package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return NewEvent(TopicHippoEncode, map[string]interface{}{"content": "remember this", "priority": 7}, Actor{}, Device{}, "space-1")
}

func TestSimpleFilterExactMatch(t *testing.T) {
	fm := NewFilterManager()
	f := &SimpleFilter{FieldPath: "payload.content", ExpectedValue: "remember this", MatchType: MatchExact}
	require.NoError(t, f.Validate(fm))
	result := f.Evaluate(fm, sampleEvent())
	require.True(t, result.Matches)
}

func TestSimpleFilterContainsMismatch(t *testing.T) {
	fm := NewFilterManager()
	f := &SimpleFilter{FieldPath: "payload.content", ExpectedValue: "nonexistent", MatchType: MatchContains}
	result := f.Evaluate(fm, sampleEvent())
	require.False(t, result.Matches)
}

func TestSimpleFilterRejectsEmptyFieldPath(t *testing.T) {
	fm := NewFilterManager()
	f := &SimpleFilter{FieldPath: "", MatchType: MatchExact}
	require.Error(t, f.Validate(fm))
}

func TestJsonPathFilterMatchesPayloadField(t *testing.T) {
	fm := NewFilterManager()
	f := &JsonPathFilter{Expr: "$.payload.priority", ExpectedValue: 7, MatchType: MatchExact}
	require.NoError(t, f.Validate(fm))
	result := f.Evaluate(fm, sampleEvent())
	require.True(t, result.Matches)
}

func TestJsonPathFilterRejectsExprWithoutDollarPrefix(t *testing.T) {
	fm := NewFilterManager()
	f := &JsonPathFilter{Expr: "payload.priority"}
	require.Error(t, f.Validate(fm))
}

func TestCompoundFilterAndOr(t *testing.T) {
	fm := NewFilterManager()
	content := &SimpleFilter{FieldPath: "payload.content", ExpectedValue: "remember this", MatchType: MatchExact}
	missing := &SimpleFilter{FieldPath: "payload.nope", ExpectedValue: "x", MatchType: MatchExact}

	and := &CompoundFilter{Op: CompoundAnd, Children: []FilterExpression{content, missing}}
	require.NoError(t, and.Validate(fm))
	require.False(t, and.Evaluate(fm, sampleEvent()).Matches)

	or := &CompoundFilter{Op: CompoundOr, Children: []FilterExpression{content, missing}}
	require.True(t, or.Evaluate(fm, sampleEvent()).Matches)

	not := &CompoundFilter{Op: CompoundNot, Children: []FilterExpression{missing}}
	require.NoError(t, not.Validate(fm))
	require.True(t, not.Evaluate(fm, sampleEvent()).Matches)
}

func TestCompoundFilterNotRequiresExactlyOneChild(t *testing.T) {
	fm := NewFilterManager()
	f := &CompoundFilter{Op: CompoundNot, Children: []FilterExpression{}}
	require.Error(t, f.Validate(fm))
}

func TestCustomFunctionFilter(t *testing.T) {
	fm := NewFilterManager()
	f := &CustomFunctionFilter{Name: "has_payload"}
	require.NoError(t, f.Validate(fm))
	require.True(t, f.Evaluate(fm, sampleEvent()).Matches)
}

func TestCustomFunctionFilterUnknownNameFailsValidation(t *testing.T) {
	fm := NewFilterManager()
	f := &CustomFunctionFilter{Name: "does_not_exist"}
	require.Error(t, f.Validate(fm))
}
