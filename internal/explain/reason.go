package explain

import (
	"fmt"
	"math"

	"github.com/kshalu/fraudscope/internal/features"
)

// Reason renders a contribution for a human reviewer.
func Reason(feature string, value float64, cold bool) string {
	if cold {
		switch feature {
		case features.AmountZScore:
			return "not enough history to judge the amount"
		case features.AmountToDayAvg:
			return "no other spending in the day window"
		case features.GeoDistanceKm, features.GeoSpeedKmh:
			return "no prior location on file"
		case features.CategoryRarity:
			return "no merchant history on file"
		default:
			return fmt.Sprintf("%s has no history", feature)
		}
	}

	switch feature {
	case features.AmountZScore:
		side := "above"
		if value < 0 {
			side = "below"
		}
		return fmt.Sprintf("amount is %.1f standard deviations %s the long-window mean", math.Abs(value), side)
	case features.AmountToDayAvg:
		return fmt.Sprintf("amount is %.1fx the day-window average", value)
	case features.VelocityShort:
		return fmt.Sprintf("%.0f prior transactions in the short window", value)
	case features.VelocityDay:
		return fmt.Sprintf("%.0f prior transactions in the day window", value)
	case features.GeoDistanceKm:
		return fmt.Sprintf("%.0f km from the last known location", value)
	case features.GeoSpeedKmh:
		return fmt.Sprintf("implies travel at %.0f km/h since the previous transaction", value)
	case features.CategoryRarity:
		return fmt.Sprintf("merchant category is %.0f%% of past activity", (1-value)*100)
	case features.CardNotPresent:
		if value >= 1 {
			return "card not present"
		}
		return "card present"
	default:
		return fmt.Sprintf("%s = %g", feature, value)
	}
}
