package payment

import (
	"context"

	"go.uber.org/zap"
)

// DefaultStrategy prefers free calls while the daemon still grants quota and
// falls back to a paying strategy once it runs out. The quota is re-checked
// before every call, so a session drains its free tier and switches to paying
// without being rebuilt. Which paying strategy backs it (escrow or prepaid) is
// fixed at construction.
type DefaultStrategy struct {
	free     *FreeStrategy
	fallback Strategy
}

// NewDefaultStrategy wires the free-first chain. free may be nil when the
// service group offers no free calls; the fallback is then used directly.
func NewDefaultStrategy(free *FreeStrategy, fallback Strategy) *DefaultStrategy {
	return &DefaultStrategy{free: free, fallback: fallback}
}

// freeQuotaRemains asks the daemon whether free calls are still granted. A
// failing probe counts as no quota; the call then pays.
func (d *DefaultStrategy) freeQuotaRemains(ctx context.Context) bool {
	if d.free == nil {
		return false
	}
	available, err := d.free.GetFreeCallsAvailable(ctx)
	if err != nil {
		zap.L().Debug("Free-call quota probe failed, falling back to paid", zap.Error(err))
		return false
	}
	return available > 0
}

// Refresh prepares whichever strategy will serve the next call.
func (d *DefaultStrategy) Refresh(ctx context.Context) error {
	if d.freeQuotaRemains(ctx) {
		return nil
	}
	return d.fallback.Refresh(ctx)
}

// GRPCMetadata re-checks the free-call quota and delegates to the free
// strategy while it lasts, to the paying fallback afterwards.
func (d *DefaultStrategy) GRPCMetadata(ctx context.Context) (context.Context, error) {
	if d.freeQuotaRemains(ctx) {
		return d.free.GRPCMetadata(ctx)
	}
	return d.fallback.GRPCMetadata(ctx)
}
