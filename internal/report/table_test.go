package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/rollbackd/pkg/types"
)

func TestTable(t *testing.T) {
	out := Table([]types.ContainerReport{
		{Name: "web-1", State: "running", Status: "Up 2 minutes", ImageRepoTag: "myapp:v2", ImageID: "sha256:0123456789ab"},
		{Name: "cache", State: "exited", Status: "Exited (0) 1 hour ago", ImageRepoTag: "redis:7", ImageID: "sha256:feedface"},
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	for _, h := range headers {
		assert.Contains(t, lines[0], h)
	}
	assert.Contains(t, out, "web-1")
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "sha256:")

	// Columns line up: "myapp:v2" and "redis:7" start at the same offset.
	var web, cache string
	for _, l := range lines {
		if strings.Contains(l, "web-1") {
			web = l
		}
		if strings.Contains(l, "cache") {
			cache = l
		}
	}
	assert.Equal(t, strings.Index(web, "myapp:v2"), strings.Index(cache, "redis:7"))
}

func TestWriter_Report(t *testing.T) {
	var buf bytes.Buffer

	err := NewWriter(&buf).Report(nil)

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "NAME")
}
