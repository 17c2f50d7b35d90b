package tsimplex

import (
	"github.com/filecoin-project/go-tsimplex/simplex"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("tsimplex")
var tracer simplex.Tracer = (*voterTracer)(logging.WithSkip(logging.Logger("tsimplex/voter"), 2))

// Tracer used by the voter, backed by a Zap logger.
type voterTracer logging.ZapEventLogger

// Log fulfills the simplex.Tracer interface
func (h *voterTracer) Log(fmt string, args ...any) {
	(*logging.ZapEventLogger)(h).Debugf(fmt, args...)
}
