package pathconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idroz/portod/internal/wire"
)

func TestNormalPathIsIdempotent(t *testing.T) {
	p := NormalPath("a/b/../c/")
	assert.Equal(t, NormalPath(p), p)
}

func TestNormalPathEmptyIsRoot(t *testing.T) {
	assert.Equal(t, "/", NormalPath(""))
}

func TestInnerPathUnderBase(t *testing.T) {
	inner, ok := InnerPath("/a/b", "/a/b/c/d")
	require.True(t, ok)
	assert.Equal(t, "/c/d", inner)
}

func TestInnerPathEqualsBase(t *testing.T) {
	inner, ok := InnerPath("/a/b", "/a/b")
	require.True(t, ok)
	assert.Equal(t, "/", inner)
}

func TestInnerPathNotUnderBase(t *testing.T) {
	_, ok := InnerPath("/a/b", "/a/c")
	assert.False(t, ok)
}

func TestConvertReprefixesUnderTargetRoot(t *testing.T) {
	got, err := Convert("/a/data/file.txt", "/a/data", "/b/data")
	require.NoError(t, err)
	assert.Equal(t, "/b/data/file.txt", got)
}

func TestConvertRejectsPathOutsideFromRoot(t *testing.T) {
	_, err := Convert("/other/file.txt", "/a/data", "/b/data")
	require.Error(t, err)
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.InvalidPath, we.Kind)
}
