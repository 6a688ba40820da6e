package enrollment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ResolveSettings overlays the stored overrides on defaults. An override
// that is not a decimal is an error rather than silently ignored.
func ResolveSettings(ctx context.Context, r Reader, defaults Settings) (Settings, error) {
	stored, err := r.Settings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}

	out := defaults
	for key, dst := range map[string]*decimal.Decimal{
		SettingDebtThreshold:  &out.DebtThreshold,
		SettingMembershipCost: &out.MembershipCost,
	} {
		raw, ok := stored[key]
		if !ok || raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("setting %s: %w", key, err)
		}
		*dst = v
	}
	return out, nil
}
