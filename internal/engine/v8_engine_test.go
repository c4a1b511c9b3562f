package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestV8CompileAndRunReturnsValue(t *testing.T) {
	iso, err := NewV8Isolate(0)
	require.NoError(t, err)
	defer iso.Dispose()

	script, err := iso.Compile("1 + 1", CompileOptions{Filename: "main.js"})
	require.NoError(t, err)

	ctx, err := iso.CreateContext()
	require.NoError(t, err)
	defer ctx.Dispose()

	val, err := script.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, val)
}

func TestV8DoesNotSupportCompositeValues(t *testing.T) {
	iso, err := NewV8Isolate(0)
	require.NoError(t, err)
	defer iso.Dispose()

	cvs, ok := iso.(CompositeValueSupport)
	require.True(t, ok, "v8Isolate should implement CompositeValueSupport")
	assert.False(t, cvs.SupportsCompositeValues())
}

func TestV8HostFuncCompositeReturnThrowsInsteadOfSubstitutingUndefined(t *testing.T) {
	iso, err := NewV8Isolate(0)
	require.NoError(t, err)
	defer iso.Dispose()

	ctx, err := iso.CreateContext()
	require.NoError(t, err)
	defer ctx.Dispose()

	require.NoError(t, ctx.Set("listDir", HostFunc(func(args []interface{}) (interface{}, error) {
		return []interface{}{"a.js", "b.js"}, nil
	})))

	script, err := iso.Compile("listDir()", CompileOptions{})
	require.NoError(t, err)

	_, err = script.Run(ctx, RunOptions{})
	require.Error(t, err, "composite host function results must surface as an error, not silently become undefined")
}

func TestV8SetCompositeGlobalFails(t *testing.T) {
	iso, err := NewV8Isolate(0)
	require.NoError(t, err)
	defer iso.Dispose()

	ctx, err := iso.CreateContext()
	require.NoError(t, err)
	defer ctx.Dispose()

	err = ctx.Set("exports", map[string]interface{}{"a": 1})
	require.Error(t, err)
}
