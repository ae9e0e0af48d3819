package settings

import (
	"strings"

	"sharecal/internal/config"
	"sharecal/internal/domain"
)

// Provider hands out the routing defaults that new jobs are frozen with.
type Provider interface {
	Snapshot() domain.Snapshot
}

// Store is a Provider backed by config. Jobs already queued keep the snapshot they
// were created with.
type Store struct {
	snap domain.Snapshot
}

func FromConfig(r config.RoutingConfig) *Store {
	return &Store{snap: domain.Snapshot{
		Tentative:    r.Tentative,
		Multiday:     r.Multiday,
		ReviewFirst:  r.ReviewFirst,
		Instructions: strings.TrimSpace(r.Instructions),
	}}
}

func (s *Store) Snapshot() domain.Snapshot {
	return s.snap
}

// Merge applies per-share changes on top of base. Empty override fields keep the
// defaults; flags are only ever switched on.
func Merge(base domain.Snapshot, o domain.Overrides, tentative, multiday, reviewFirst bool, instructions string) domain.Snapshot {
	out := base
	out.Tentative = base.Tentative || tentative
	out.Multiday = base.Multiday || multiday
	out.ReviewFirst = base.ReviewFirst || reviewFirst
	if s := strings.TrimSpace(instructions); s != "" {
		out.Instructions = s
	}
	out.Overrides = domain.Overrides{
		Model:            strings.TrimSpace(o.Model),
		FromEmail:        strings.TrimSpace(o.FromEmail),
		ToTentativeEmail: strings.TrimSpace(o.ToTentativeEmail),
		ToConfirmedEmail: strings.TrimSpace(o.ToConfirmedEmail),
	}
	return out
}
