package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMapField(t *testing.T) {
	m := map[string]any{"path": "a.txt", "limit": float64(3)}

	path, err := GetMapField[string](m, "path")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", path)

	_, err = GetMapField[string](m, "limit")
	assert.EqualError(t, err, "field 'limit' expected type string, got float64")

	_, err = GetMapField[string](m, "missing")
	assert.EqualError(t, err, "field 'missing' not found in map")

	assert.Equal(t, float64(3), GetMapFieldOr(m, "limit", float64(0)))
	assert.Equal(t, "", GetMapFieldOr(m, "limit", ""))
}

func TestAssertMapStringAny(t *testing.T) {
	m, err := AssertMapStringAny(map[string]any{"k": 1})
	require.NoError(t, err)
	assert.Len(t, m, 1)

	_, err = AssertMapStringAny([]any{1})
	assert.EqualError(t, err, "expected map[string]any, got []interface {}")
}
