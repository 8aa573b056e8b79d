package fee

// Registration fee tiers in KSH.
const (
	TierLow  = 500
	TierHigh = 1000
)

const AccommodationBoarder = "Boarder"

var baseAmounts = map[string]int{
	"Delegate":               TierLow,
	"Usher":                  TierLow,
	"Media & Technical Team": TierLow,
	"Hospitality Crew":       TierLow,
	"Praise & Worship Team":  TierLow,
	"Host":                   TierHigh,
	"Pastor":                 TierHigh,
}

// Amount returns the registration fee for a position and accommodation
// mode. Boarders always pay the high tier. Unknown positions fall back
// to the low tier rather than erroring, matching the registration form.
func Amount(position, accommodationMode string) int {
	amount, ok := baseAmounts[position]
	if !ok {
		amount = TierLow
	}

	if accommodationMode == AccommodationBoarder && amount == TierLow {
		amount = TierHigh
	}

	return amount
}
