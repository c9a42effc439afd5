package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnforcer_EmptyAndNilRules(t *testing.T) {
	e, err := NewEnforcer(nil)
	require.NoError(t, err)
	assert.Empty(t, e.rules)

	e, err = NewEnforcer([]Rule{})
	require.NoError(t, err)
	assert.Empty(t, e.rules)
}

func TestNewEnforcer_CompilationError(t *testing.T) {
	rules := []Rule{
		{ID: "rule1", Expression: "amount > 100"},
		{ID: "rule2", Expression: "currency ==", Decision: Decision{SkipFallback: true}},
	}
	_, err := NewEnforcer(rules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile rule ID 'rule2'")
	assert.Contains(t, err.Error(), "Unexpected end of expression")
}

func TestNewEnforcer_EmptyExpression(t *testing.T) {
	_, err := NewEnforcer([]Rule{{ID: "empty_expr_rule"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy rule ID 'empty_expr_rule' has an empty expression")
}

func TestEnforcer_Evaluate(t *testing.T) {
	rules := []Rule{
		{ID: "declines_never_fall_back", Expression: "errorCode == 'card_declined'", Decision: Decision{SkipFallback: true}},
		{ID: "large_eur_manual", Expression: "amount >= 100000 && currency == 'EUR'", Decision: Decision{ForceManual: true}},
		{ID: "second_auto_manual", Expression: "mode == 'auto' && autoFallbacks >= 1", Decision: Decision{ForceManual: true}},
	}
	e, err := NewEnforcer(rules)
	require.NoError(t, err)

	t.Run("NoRuleMatches", func(t *testing.T) {
		d, id, err := e.Evaluate(Facts{ErrorCode: "provider_error", Amount: 500, Currency: "USD", Mode: "auto"})
		require.NoError(t, err)
		assert.Equal(t, Decision{}, d)
		assert.Empty(t, id)
	})

	t.Run("SkipFallback", func(t *testing.T) {
		d, id, err := e.Evaluate(Facts{ErrorCode: "card_declined", Amount: 500, Currency: "USD"})
		require.NoError(t, err)
		assert.True(t, d.SkipFallback)
		assert.Equal(t, "declines_never_fall_back", id)
	})

	t.Run("ForceManual", func(t *testing.T) {
		d, id, err := e.Evaluate(Facts{ErrorCode: "provider_error", Amount: 100000, Currency: "EUR"})
		require.NoError(t, err)
		assert.True(t, d.ForceManual)
		assert.Equal(t, "large_eur_manual", id)
	})

	t.Run("FirstMatchWins", func(t *testing.T) {
		d, id, err := e.Evaluate(Facts{ErrorCode: "card_declined", Amount: 100000, Currency: "EUR", Mode: "auto", AutoFallbacks: 2})
		require.NoError(t, err)
		assert.Equal(t, "declines_never_fall_back", id)
		assert.True(t, d.SkipFallback)
		assert.False(t, d.ForceManual)
	})
}

func TestEnforcer_Evaluate_Errors(t *testing.T) {
	t.Run("UndefinedFunction", func(t *testing.T) {
		_, err := NewEnforcer([]Rule{{ID: "bad_func", Expression: "nonExistentFunction(amount) == true"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to compile rule ID 'bad_func'")
		assert.Contains(t, err.Error(), "Undefined function nonExistentFunction")
	})

	t.Run("ParameterNotFound", func(t *testing.T) {
		e, err := NewEnforcer([]Rule{{ID: "missing_param_rule", Expression: "undefinedParam > 10"}})
		require.NoError(t, err)
		_, _, err = e.Evaluate(Facts{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "No parameter 'undefinedParam' found.")
	})

	t.Run("NotBoolean", func(t *testing.T) {
		e, err := NewEnforcer([]Rule{{ID: "sum", Expression: "amount + 1"}})
		require.NoError(t, err)
		_, _, err = e.Evaluate(Facts{Amount: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not evaluate to a boolean")
	})
}
