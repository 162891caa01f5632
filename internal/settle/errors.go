package settle

import (
	"errors"

	"github.com/dealbaron/economy-engine/internal/store"
)

// Settlement precondition failures. Every violated precondition maps to
// a distinct sentinel; all are recoverable rejections — the operation
// aborts with no partial balance or inventory mutation.
var (
	// ErrInvalidQuantity is returned for zero or negative trade quantities.
	ErrInvalidQuantity = errors.New("settle: quantity must be positive")

	// ErrInsufficientFunds is returned when the paying account cannot
	// cover the total cost.
	ErrInsufficientFunds = errors.New("settle: insufficient balance")

	// ErrInsufficientInventory is returned when a seller-side stock or
	// listing remainder cannot cover the requested quantity.
	ErrInsufficientInventory = errors.New("settle: insufficient inventory")

	// ErrInsufficientCapacity is returned when the receiving warehouse
	// lacks free volume for the goods.
	ErrInsufficientCapacity = errors.New("settle: insufficient warehouse capacity")

	// ErrInvalidPriceBand is returned when a listing price falls outside
	// the 80–90% reference-price band.
	ErrInvalidPriceBand = errors.New("settle: price outside allowed band")

	// ErrStaleListing is returned when a listing is expired or in a
	// terminal state.
	ErrStaleListing = errors.New("settle: listing expired or no longer active")

	// ErrSelfTrade is returned when a player attempts to buy their own
	// listing.
	ErrSelfTrade = errors.New("settle: cannot buy own listing")

	// ErrNotProducible is returned when production is requested for a
	// product without production parameters.
	ErrNotProducible = errors.New("settle: product cannot be produced")

	// ErrProductionPending is returned when collecting a job whose
	// production time has not elapsed.
	ErrProductionPending = errors.New("settle: production not yet complete")

	// ErrJobNotActive is returned for collect/cancel on a job already
	// collected or cancelled.
	ErrJobNotActive = errors.New("settle: production job not active")
)

// rejectionReason labels a settlement failure for metrics. Unknown
// errors (store failures, context cancellation) count as internal.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, ErrInvalidPriceBand):
		return "price_band"
	case errors.Is(err, ErrStaleListing):
		return "stale_listing"
	case errors.Is(err, ErrSelfTrade):
		return "self_trade"
	case errors.Is(err, ErrNotProducible):
		return "not_producible"
	case errors.Is(err, ErrProductionPending):
		return "production_pending"
	case errors.Is(err, ErrJobNotActive):
		return "job_not_active"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInsufficientQuantity):
		return "insufficient_inventory"
	default:
		return "internal"
	}
}
