package crawl

// Settings are the per-session crawl limits derived from the owner's tier.
// A zero MaxPages or MaxDepth means unlimited.
type Settings struct {
	MaxPages    int
	MaxDepth    int
	Persistence bool
}

// SettingsForTier maps a tier to its limits. Guests get a bounded crawl with
// no persistence; registered users get persistence; admins are uncapped.
func SettingsForTier(tier Tier) Settings {
	switch tier {
	case TierAdmin:
		return Settings{MaxPages: 0, MaxDepth: 0, Persistence: true}
	case TierRegistered:
		return Settings{MaxPages: 10000, MaxDepth: 20, Persistence: true}
	default:
		return Settings{MaxPages: 500, MaxDepth: 5, Persistence: false}
	}
}
