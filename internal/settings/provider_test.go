package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"sharecal/internal/config"
	"sharecal/internal/domain"
)

func TestSnapshotIsACopy(t *testing.T) {
	s := FromConfig(config.RoutingConfig{Multiday: true, Instructions: "  use venue names  "})
	snap := s.Snapshot()
	assert.True(t, snap.Multiday)
	assert.Equal(t, "use venue names", snap.Instructions)

	snap.Multiday = false
	assert.True(t, s.Snapshot().Multiday)
}

func TestMerge(t *testing.T) {
	base := domain.Snapshot{Tentative: true, Instructions: "default"}

	got := Merge(base, domain.Overrides{ToConfirmedEmail: " me@example.com "}, false, true, false, "")
	assert.True(t, got.Tentative, "flags are never switched off per share")
	assert.True(t, got.Multiday)
	assert.Equal(t, "default", got.Instructions)
	assert.Equal(t, "me@example.com", got.Overrides.ToConfirmedEmail)

	got = Merge(base, domain.Overrides{}, false, false, true, "only evenings")
	assert.True(t, got.ReviewFirst)
	assert.Equal(t, "only evenings", got.Instructions)
}
