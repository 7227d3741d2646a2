package billing

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"panelhub/internal/types"
)

// DurationPreset is a named account lifetime.
type DurationPreset string

const (
	Preset7Days     DurationPreset = "7d"
	Preset1Month    DurationPreset = "1m"
	Preset3Months   DurationPreset = "3m"
	Preset6Months   DurationPreset = "6m"
	Preset1Year     DurationPreset = "1y"
	PresetUnlimited DurationPreset = "unlimited"
)

// presetDays maps presets to days. Unlimited is 0.
var presetDays = map[DurationPreset]int{
	Preset7Days:     7,
	Preset1Month:    30,
	Preset3Months:   90,
	Preset6Months:   180,
	Preset1Year:     365,
	PresetUnlimited: 0,
}

var (
	defaultPresets   = []DurationPreset{Preset7Days, Preset1Month, Preset3Months, Preset6Months, Preset1Year}
	defaultTrafficGB = []int64{20, 30, 50, 70, 100, 150, 200}
)

const (
	minPolicyDays = 1
	maxPolicyDays = types.UnlimitedDays
	maxPolicyGB   = 100000
)

// ParsePreset normalizes s and reports whether it names a known preset.
func ParsePreset(s string) (DurationPreset, bool) {
	p := DurationPreset(strings.ToLower(strings.TrimSpace(s)))
	_, ok := presetDays[p]
	return p, ok
}

// ResolveDays returns the preset's days when preset is set, otherwise days.
func ResolveDays(days int, preset string) (int, error) {
	if strings.TrimSpace(preset) == "" {
		if days < 0 {
			return 0, types.NewAppError(types.ErrCodeValidationInvalidDuration, "days must not be negative", nil)
		}
		return days, nil
	}
	p, ok := ParsePreset(preset)
	if !ok {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidDuration, "invalid duration preset "+preset, nil)
	}
	return presetDays[p], nil
}

// UserPolicy restricts what a tenant may sell. A disabled policy allows
// everything.
type UserPolicy struct {
	Enabled            bool             `json:"enabled"`
	AllowCustomDays    bool             `json:"allow_custom_days"`
	AllowCustomTraffic bool             `json:"allow_custom_traffic"`
	AllowNoExpire      bool             `json:"allow_no_expire"`
	MinDays            int              `json:"min_days"`
	MaxDays            int              `json:"max_days"`
	MinGB              int64            `json:"min_gb"`
	MaxGB              int64            `json:"max_gb"`
	AllowedPresets     []DurationPreset `json:"allowed_duration_presets"`
	AllowedTrafficGB   []int64          `json:"allowed_traffic_gb"`
}

// DefaultUserPolicy is used when no policy is stored.
func DefaultUserPolicy() UserPolicy {
	return UserPolicy{
		AllowCustomDays:    true,
		AllowCustomTraffic: true,
		MinDays:            1,
		MaxDays:            3650,
		AllowedPresets:     slices.Clone(defaultPresets),
		AllowedTrafficGB:   slices.Clone(defaultTrafficGB),
	}
}

// Normalize clamps ranges, drops unknown or duplicate list entries and keeps
// the unlimited preset in step with AllowNoExpire.
func (p UserPolicy) Normalize() UserPolicy {
	def := DefaultUserPolicy()

	p.MinDays = min(max(p.MinDays, minPolicyDays), maxPolicyDays)
	if p.MaxDays == 0 {
		p.MaxDays = def.MaxDays
	}
	p.MaxDays = max(p.MinDays, min(p.MaxDays, maxPolicyDays))
	p.MinGB = max(p.MinGB, 0)
	if p.MaxGB < 0 || (p.MaxGB > 0 && p.MaxGB < p.MinGB) {
		p.MaxGB = 0
	}

	var presets []DurationPreset
	for _, raw := range p.AllowedPresets {
		pr, ok := ParsePreset(string(raw))
		if ok && !slices.Contains(presets, pr) {
			presets = append(presets, pr)
		}
	}
	if len(presets) == 0 {
		presets = def.AllowedPresets
	}
	presets = slices.DeleteFunc(presets, func(pr DurationPreset) bool { return pr == PresetUnlimited })
	if p.AllowNoExpire {
		presets = append(presets, PresetUnlimited)
	}
	p.AllowedPresets = presets

	var traffic []int64
	for _, gb := range p.AllowedTrafficGB {
		if gb > 0 && gb <= maxPolicyGB && !slices.Contains(traffic, gb) {
			traffic = append(traffic, gb)
		}
	}
	if len(traffic) == 0 {
		traffic = def.AllowedTrafficGB
	}
	slices.Sort(traffic)
	p.AllowedTrafficGB = traffic
	return p
}

// Enforce checks a requested volume and lifetime and returns the resolved
// days.
func (p UserPolicy) Enforce(totalGB int64, days int, preset string) (int, error) {
	resolved, err := ResolveDays(days, preset)
	if err != nil {
		return 0, err
	}
	if !p.Enabled {
		return resolved, nil
	}

	if strings.TrimSpace(preset) != "" {
		pr, _ := ParsePreset(preset)
		if !slices.Contains(p.AllowedPresets, pr) {
			return 0, policyErr("duration preset %s is not allowed", pr)
		}
	} else if !p.AllowCustomDays {
		return 0, policyErr("custom days are not allowed, pick a preset")
	}

	if resolved == 0 {
		if !p.AllowNoExpire {
			return 0, policyErr("unlimited duration is not allowed")
		}
	} else if resolved < p.MinDays || resolved > p.MaxDays {
		return 0, policyErr("days must be between %d and %d", p.MinDays, p.MaxDays)
	}

	if !p.AllowCustomTraffic && len(p.AllowedTrafficGB) > 0 && !slices.Contains(p.AllowedTrafficGB, totalGB) {
		return 0, policyErr("%d GB is not an allowed volume", totalGB)
	}
	if totalGB < p.MinGB || (p.MaxGB > 0 && totalGB > p.MaxGB) {
		return 0, policyErr("volume must be between %d and %d GB", p.MinGB, p.MaxGB)
	}
	return resolved, nil
}

func policyErr(format string, args ...any) error {
	return types.NewAppError(types.ErrCodePolicyLimitExceeded, fmt.Sprintf(format, args...), nil)
}

// GlobalUserPolicyKey holds the policy used by tenants without their own.
const GlobalUserPolicyKey = "user_policy"

// UserPolicyKey is the settings key of a tenant's policy.
func UserPolicyKey(tenantID int64) string {
	return fmt.Sprintf("%s:%d", GlobalUserPolicyKey, tenantID)
}

// LoadUserPolicy reads the tenant policy, then the global one, then falls
// back to DefaultUserPolicy. Stored values are normalized on the way out.
func LoadUserPolicy(ctx context.Context, settings types.SettingsRepository, tenantID int64) (UserPolicy, error) {
	for _, key := range []string{UserPolicyKey(tenantID), GlobalUserPolicyKey} {
		p := DefaultUserPolicy()
		err := settings.Get(ctx, key, &p)
		if err == nil {
			return p.Normalize(), nil
		}
		if !types.IsNotFound(err) {
			return UserPolicy{}, fmt.Errorf("load user policy %s: %w", key, err)
		}
	}
	return DefaultUserPolicy(), nil
}

// SaveUserPolicy normalizes p and stores it for the tenant, or globally when
// tenantID is 0.
func SaveUserPolicy(ctx context.Context, settings types.SettingsRepository, tenantID int64, p UserPolicy) (UserPolicy, error) {
	key := GlobalUserPolicyKey
	if tenantID != 0 {
		key = UserPolicyKey(tenantID)
	}
	p = p.Normalize()
	if err := settings.Put(ctx, key, p); err != nil {
		return UserPolicy{}, err
	}
	return p, nil
}
