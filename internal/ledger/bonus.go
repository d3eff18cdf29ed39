package ledger

const (
	// StreakInterval is how many generations earn one refunded credit.
	StreakInterval = 5
	// ReferralReward is credited to the referrer once, after the referred
	// user's first successful generation.
	ReferralReward = 2
)

// Bonus is what a completed generation earns.
type Bonus struct {
	Streak          int
	ReferralTrigger bool
}

// EvaluateBonus derives the bonus for a generation from the generation count
// after the reservation incremented it.
func EvaluateBonus(countAfter int, referredBy *int64, referralClaimed bool) Bonus {
	var b Bonus
	if countAfter > 0 && countAfter%StreakInterval == 0 {
		b.Streak = 1
	}
	b.ReferralTrigger = countAfter == 1 && referredBy != nil && !referralClaimed
	return b
}

// BonusImagesEligible reports whether a generation gets extra images: the
// very first one and every even-numbered one.
func BonusImagesEligible(countAfter int) bool {
	return countAfter == 1 || (countAfter > 0 && countAfter%2 == 0)
}
