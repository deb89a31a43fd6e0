package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixed(output map[string]any) Handler {
	return Func(func(_ context.Context, _ Request) (map[string]any, error) {
		return output, nil
	})
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Register("classify_status", fixed(nil)))
	assert.NoError(t, r.Register("extract_build_data", fixed(nil)))

	h, ok := r.Resolve("classify_status")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Resolve("unknown")
	assert.False(t, ok)
	assert.True(t, r.Has("extract_build_data"))
	assert.False(t, r.Has("unknown"))

	assert.Equal(t, []string{"classify_status", "extract_build_data"}, r.Names())
}

func TestRegistryRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Register("a", fixed(nil)))
	assert.Error(t, r.Register("a", fixed(nil)))
	assert.Error(t, r.Register("", fixed(nil)))
	assert.Error(t, r.Register("b", nil))
}
