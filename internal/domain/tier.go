package domain

// Tier names the size of a speech-recognition model. Tiers are totally
// ordered from tiny to large.
type Tier string

const (
	TierTiny   Tier = "tiny"
	TierBase   Tier = "base"
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Tiers lists all tiers smallest first.
var Tiers = []Tier{TierTiny, TierBase, TierSmall, TierMedium, TierLarge}

var tierRank = map[Tier]int{
	TierTiny:   0,
	TierBase:   1,
	TierSmall:  2,
	TierMedium: 3,
	TierLarge:  4,
}

// ValidTier reports whether t names a known tier.
func ValidTier(t Tier) bool {
	_, ok := tierRank[t]
	return ok
}

// NextSmaller returns the tier one step below t. The second return is
// false when t is already the smallest or unknown.
func NextSmaller(t Tier) (Tier, bool) {
	r, ok := tierRank[t]
	if !ok || r == 0 {
		return "", false
	}
	return Tiers[r-1], true
}

// MaxFallbacks is how many tier substitutions a single job may consume
// before an OutOfMemory failure becomes terminal.
func MaxFallbacks() int { return len(Tiers) - 1 }
