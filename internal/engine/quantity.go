package engine

import (
	"copybot/internal/models"
	"math"
)

// FollowerQuantity maps the master's quantity to a follower's. The result is never below 1.
func FollowerQuantity(masterQty int, settings models.CopySettings) int {
	if settings.UseFixedQuantity {
		return atLeastOne(settings.FixedQuantity)
	}
	qty := math.Round(float64(masterQty) * settings.QuantityMultiplier)
	if qty > math.MaxInt32 {
		qty = math.MaxInt32
	}
	return atLeastOne(int(qty))
}

func atLeastOne(qty int) int {
	if qty < 1 {
		return 1
	}
	return qty
}
