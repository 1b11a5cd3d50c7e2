package risk

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sorooshx/tradecore/errs"
	"github.com/sorooshx/tradecore/internal/schema"
)

// Limits defines admission limits applied before the ledger accepts an order.
type Limits struct {
	// MaxPositionSize caps the quantity of a single order. Zero disables
	// the check.
	MaxPositionSize decimal.Decimal

	// MaxNotionalValue caps qty*price for a single order. Zero disables
	// the check.
	MaxNotionalValue decimal.Decimal

	// OrderThrottle is the maximum rate of orders per second. Zero
	// disables throttling.
	OrderThrottle float64
}

// Manager enforces order admission limits ahead of ledger execution.
type Manager struct {
	mu      sync.RWMutex
	limits  Limits
	limiter *rate.Limiter
}

// NewManager creates a risk manager with the given limits.
func NewManager(limits Limits) *Manager {
	var limiter *rate.Limiter
	if limits.OrderThrottle > 0 {
		limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), 1)
	}
	return &Manager{limits: limits, limiter: limiter}
}

// CheckOrder evaluates an order request against the configured limits using
// the provided reference price for notional checks.
func (m *Manager) CheckOrder(ctx context.Context, req schema.OrderRequest, refPrice decimal.Decimal) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return errs.New("risk", errs.CodeUnavailable,
				errs.WithMessage("order throttle limit exceeded"),
				errs.WithCause(err))
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.limits.MaxPositionSize.IsPositive() && req.Quantity.GreaterThan(m.limits.MaxPositionSize) {
		return errs.New("risk", errs.CodeInvalid,
			errs.WithMessage("order quantity exceeds max position size"),
			errs.WithField("quantity", req.Quantity.String()),
			errs.WithField("max", m.limits.MaxPositionSize.String()))
	}
	if m.limits.MaxNotionalValue.IsPositive() {
		notional := req.Quantity.Mul(refPrice)
		if notional.GreaterThan(m.limits.MaxNotionalValue) {
			return errs.New("risk", errs.CodeInvalid,
				errs.WithMessage("order notional exceeds max notional value"),
				errs.WithField("notional", notional.String()),
				errs.WithField("max", m.limits.MaxNotionalValue.String()))
		}
	}
	return nil
}

// UpdateLimits swaps the active limits. The throttle limiter is rebuilt only
// when the rate changes.
func (m *Manager) UpdateLimits(limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limits.OrderThrottle != m.limits.OrderThrottle {
		if limits.OrderThrottle > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), 1)
		} else {
			m.limiter = nil
		}
	}
	m.limits = limits
}
