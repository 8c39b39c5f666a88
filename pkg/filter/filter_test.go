package filter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/filter"
)

func TestS2FilterScenario(t *testing.T) {
	expr := map[string]any{
		"$and": []any{
			map[string]any{"group": "A"},
			map[string]any{"value": map[string]any{"$gte": float64(2)}},
		},
	}
	eval, err := filter.Compile(expr)
	require.NoError(t, err)

	assert.False(t, eval(filter.Metadata{"group": "A", "value": float64(1)}))
	assert.False(t, eval(filter.Metadata{"group": "B", "value": float64(2)}))
	assert.True(t, eval(filter.Metadata{"group": "A", "value": float64(3)}))
}

func TestCompileUnknownOperatorFails(t *testing.T) {
	_, err := filter.Compile(map[string]any{"field": map[string]any{"$bogus": 1}})
	require.Error(t, err)
}

func TestInAndNin(t *testing.T) {
	eval, err := filter.Compile(map[string]any{"tag": map[string]any{"$in": []any{"a", "b"}}})
	require.NoError(t, err)
	assert.True(t, eval(filter.Metadata{"tag": "a"}))
	assert.False(t, eval(filter.Metadata{"tag": "c"}))
}

func TestExists(t *testing.T) {
	eval, err := filter.Compile(map[string]any{"x": map[string]any{"$exists": true}})
	require.NoError(t, err)
	assert.True(t, eval(filter.Metadata{"x": 1}))
	assert.False(t, eval(filter.Metadata{}))
}

func TestNot(t *testing.T) {
	eval, err := filter.Compile(map[string]any{"$not": map[string]any{"group": "A"}})
	require.NoError(t, err)
	assert.False(t, eval(filter.Metadata{"group": "A"}))
	assert.True(t, eval(filter.Metadata{"group": "B"}))
}

func TestRegex(t *testing.T) {
	eval, err := filter.Compile(map[string]any{"name": map[string]any{"$regex": "^foo"}})
	require.NoError(t, err)
	assert.True(t, eval(filter.Metadata{"name": "foobar"}))
	assert.False(t, eval(filter.Metadata{"name": "barfoo"}))
}
