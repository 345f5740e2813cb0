package store

import (
	"context"
	"fmt"

	"paidinbox/pkg/config"
)

// Open selects and boots the backend named by cfg.Persistence.Backend
// (spec §4.A's three modes). Strict mode additionally refuses to boot
// against anything but Postgres; this is enforced again, independently, by
// the Launch-Readiness Gate (spec §4.G) before traffic is accepted.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch Mode(cfg.Persistence.Backend) {
	case ModeStrictPostgres:
		return OpenPostgres(ctx, cfg.Persistence.DSN)
	case ModeEmbedded:
		return OpenEmbedded(ctx, cfg.Persistence.DBPath)
	case ModeFileFallback:
		if cfg.Persistence.Strict {
			return nil, fmt.Errorf("store: file-fallback backend is not permitted under strict persistence mode")
		}
		return OpenFileFallback(ctx, cfg.Persistence.DBPath)
	default:
		return nil, fmt.Errorf("store: unknown persistence backend %q", cfg.Persistence.Backend)
	}
}
