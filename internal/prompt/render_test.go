package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	vars := map[string]any{
		"job_name":     "nightly-build",
		"build_number": 42,
		"confidence":   0.9,
	}
	out, err := Render("Job $job_name build #$build_number (${confidence})", vars)
	assert.NoError(t, err)
	assert.Equal(t, "Job nightly-build build #42 (0.9)", out)
}

func TestRenderIsDeterministic(t *testing.T) {
	vars := map[string]any{"a": "x", "b": 1}
	first, err := Render("$a-$b-$a", vars)
	assert.NoError(t, err)
	for i := 0; i < 50; i++ {
		out, err := Render("$a-$b-$a", vars)
		assert.NoError(t, err)
		assert.Equal(t, first, out)
	}
}

func TestRenderMissingPlaceholderFails(t *testing.T) {
	out, err := Render("Analyze $log_excerpt from $job_name", map[string]any{
		"job_name": "nightly",
	})

	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "log_excerpt", rerr.Placeholder)
	// Never return partially substituted text.
	assert.Empty(t, out)
}

func TestRenderEscapedDollar(t *testing.T) {
	out, err := Render("cost is $$$amount", map[string]any{"amount": 5})
	assert.NoError(t, err)
	assert.Equal(t, "cost is $5", out)
}

func TestRenderNoPlaceholders(t *testing.T) {
	out, err := Render("static text", nil)
	assert.NoError(t, err)
	assert.Equal(t, "static text", out)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "analyze_failure.tpl"), []byte("Analyze $log_excerpt"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	lib, err := LoadDir(dir)
	require.NoError(t, err)

	tpl, ok := lib.Get("analyze_failure")
	assert.True(t, ok)
	assert.Equal(t, "Analyze $log_excerpt", tpl)

	_, ok = lib.Get("notes")
	assert.False(t, ok)
	assert.Equal(t, []string{"analyze_failure"}, lib.Names())
}
