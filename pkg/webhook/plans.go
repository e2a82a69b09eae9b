package webhook

import (
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// DefaultFixedDuration is the access window granted by a fixed-duration purchase
const DefaultFixedDuration = 48 * time.Hour

// PlanConfig maps provider product or variant ids to plans.
type PlanConfig struct {
	FixedKeys   []string
	MonthlyKeys []string
	AnnualKeys  []string

	// FixedDuration is added to the purchase time for fixed plans (default: 48h)
	FixedDuration time.Duration
}

// ParseKeyList splits a comma-separated allow-list, dropping blanks.
func ParseKeyList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PlanFor returns the plan for key, or entitlement.PlanUnknown when no list contains it.
func (c PlanConfig) PlanFor(key string) string {
	switch {
	case key == "":
		return ""
	case contains(c.FixedKeys, key):
		return entitlement.PlanFixed
	case contains(c.MonthlyKeys, key):
		return entitlement.PlanMonthly
	case contains(c.AnnualKeys, key):
		return entitlement.PlanAnnual
	default:
		return entitlement.PlanUnknown
	}
}

func (c PlanConfig) fixedDuration() time.Duration {
	if c.FixedDuration <= 0 {
		return DefaultFixedDuration
	}
	return c.FixedDuration
}

func contains(list []string, key string) bool {
	for _, k := range list {
		if k == key {
			return true
		}
	}
	return false
}

type planKeyExtractor func(attrs map[string]any) string

var planKeyExtractors = []planKeyExtractor{
	attrString("product_id"),
	attrString("variant_id"),
	firstOrderItem("product_id"),
	firstOrderItem("variant_id"),
	attrString("first_order_item", "product_id"),
	attrString("first_order_item", "variant_id"),
}

// PlanKey returns the first non-empty product or variant id found in the attributes.
func PlanKey(attrs map[string]any) string {
	if attrs == nil {
		return ""
	}
	for _, fn := range planKeyExtractors {
		if k := fn(attrs); k != "" {
			return k
		}
	}
	return ""
}

func attrString(path ...string) planKeyExtractor {
	return func(attrs map[string]any) string {
		return stringAt(attrs, path...)
	}
}

func firstOrderItem(field string) planKeyExtractor {
	return func(attrs map[string]any) string {
		items, ok := attrs["order_items"].([]any)
		if !ok || len(items) == 0 {
			return ""
		}
		item, ok := items[0].(map[string]any)
		if !ok {
			return ""
		}
		return stringify(item[field])
	}
}
