package registry

import (
	"context"
	"os"

	"github.com/tagwatch/tagwatch/internal/logging"
)

// writeHealthMarker refreshes the liveness marker consumed by an external
// probe. The marker is advisory: a failed write removes any stale marker and
// is logged, nothing more.
func (p *Poller) writeHealthMarker(ctx context.Context) {
	if p.healthFile == "" {
		return
	}
	if err := os.WriteFile(p.healthFile, []byte("healthy"), 0o644); err != nil {
		if _, statErr := os.Stat(p.healthFile); statErr == nil {
			_ = os.Remove(p.healthFile)
		}
		logging.LoggerFromContext(ctx).Error(
			err, "error writing health marker", "path", p.healthFile,
		)
	}
}
