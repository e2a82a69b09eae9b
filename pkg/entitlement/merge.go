package entitlement

import "time"

// Merge applies a patch to an existing row (nil for a new row) and returns the merged copy.
//
// Rules: every column takes the incoming non-nil value, else keeps the existing one; Meta is a
// shallow key merge; UpdatedAt is always now. A terminal row never moves back to a non-terminal
// status, and such a rejected transition leaves the row's expiry untouched as well.
// The returned row has an empty ID when existing is nil; stores assign it.
func Merge(existing *Entitlement, p *Patch, now time.Time) *Entitlement {
	out := existing.Clone()
	if out == nil {
		out = &Entitlement{Status: StatusPending}
	}
	if p == nil {
		out.UpdatedAt = now
		return out
	}

	mergeString(&out.Email, p.Email)
	mergeString(&out.CustomerID, p.CustomerID)
	mergeString(&out.OrderID, p.OrderID)
	mergeString(&out.SubscriptionID, p.SubscriptionID)
	mergeString(&out.LicenseKey, p.LicenseKey)
	mergeString(&out.Plan, p.Plan)
	mergeTime(&out.StartsAt, p.StartsAt)

	blocked := p.Status != nil && out.Status.Terminal() && !p.Status.Terminal()
	if p.Status != nil && !blocked {
		out.Status = *p.Status
	}
	if !blocked {
		switch {
		case p.ExpiresAt != nil:
			mergeTime(&out.ExpiresAt, p.ExpiresAt)
		case p.ClearExpiresAt:
			out.ExpiresAt = nil
		case out.ExpiresAt == nil && p.DefaultExpiresAt != nil:
			mergeTime(&out.ExpiresAt, p.DefaultExpiresAt)
		}
	}

	if len(p.Meta) > 0 {
		if out.Meta == nil {
			out.Meta = make(map[string]any, len(p.Meta))
		}
		for k, v := range p.Meta {
			out.Meta[k] = v
		}
	}

	out.UpdatedAt = now
	return out
}

func mergeString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

func mergeTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := v.UTC()
		*dst = &t
	}
}
