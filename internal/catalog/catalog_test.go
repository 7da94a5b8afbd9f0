package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agusx1211/dispatch/internal/dispatch"
)

func TestCatalog(t *testing.T) {
	c := New([]Capability{
		{ID: "weekly-report", Description: "first"},
		{ID: " "},
		{ID: dispatch.DispatchCapability},
		{ID: "digest", Name: "Digest"},
		{ID: "weekly-report", Description: "second"},
	})

	assert.True(t, c.Has("weekly-report"))
	assert.True(t, c.Has(dispatch.GenericCapability))
	assert.False(t, c.Has(dispatch.DispatchCapability))

	list := c.List()
	assert.Len(t, list, 2)
	assert.Equal(t, "digest", list[0].ID)
	assert.Equal(t, "second", list[1].Description)
	assert.Equal(t, "weekly-report", list[1].Name)

	var _ dispatch.Catalog = c
}

func TestInstructionsIncludeCatalog(t *testing.T) {
	c := New([]Capability{{ID: "digest", Name: "Digest", Description: "Daily digest"}})
	got := c.Instructions()
	if !strings.Contains(got, "`digest` (Digest): Daily digest") {
		t.Fatalf("instructions missing capability:\n%s", got)
	}
}
