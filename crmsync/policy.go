package crmsync

// Ownership classifies who is authoritative for a field.
type Ownership int

const (
	// OwnershipUnclassified fields pass through from remote untracked.
	OwnershipUnclassified Ownership = iota

	// OwnershipRemote fields always take the remote value; a differing
	// non-null local value is recorded as a conflict.
	OwnershipRemote

	// OwnershipLocal fields are locally computed analytics with no remote
	// counterpart; a sync never overwrites them.
	OwnershipLocal
)

func (o Ownership) String() string {
	switch o {
	case OwnershipRemote:
		return "remote_authoritative"
	case OwnershipLocal:
		return "local_analytical"
	default:
		return "unclassified"
	}
}

// FieldPolicy is the static field-ownership table. Classifying a new field is
// a one-line change in the table that builds it; no resolution logic needs to
// know field names.
type FieldPolicy struct {
	ownership map[string]Ownership
	defaults  map[string]interface{}
	localKeys []string
}

// NewFieldPolicy returns an empty policy; unknown fields are unclassified.
func NewFieldPolicy() *FieldPolicy {
	return &FieldPolicy{
		ownership: make(map[string]Ownership),
		defaults:  make(map[string]interface{}),
	}
}

// Remote marks fields as remote-authoritative.
func (p *FieldPolicy) Remote(fields ...string) *FieldPolicy {
	for _, f := range fields {
		p.ownership[f] = OwnershipRemote
	}
	return p
}

// Local marks a field as local-analytical with the default backfilled when a
// local record lacks it.
func (p *FieldPolicy) Local(field string, defaultValue interface{}) *FieldPolicy {
	if _, seen := p.ownership[field]; !seen || p.ownership[field] != OwnershipLocal {
		p.localKeys = append(p.localKeys, field)
	}
	p.ownership[field] = OwnershipLocal
	p.defaults[field] = defaultValue
	return p
}

// Classify returns the ownership of a field.
func (p *FieldPolicy) Classify(field string) Ownership {
	return p.ownership[field]
}

// Default returns the backfill value for a local-analytical field.
func (p *FieldPolicy) Default(field string) interface{} {
	return p.defaults[field]
}

// LocalFields returns the local-analytical field names in declaration order.
func (p *FieldPolicy) LocalFields() []string {
	out := make([]string, len(p.localKeys))
	copy(out, p.localKeys)
	return out
}

// DefaultDealPolicy is the ownership table for deal (opportunity) records.
//
// Local-analytical defaults: a record that has never been through health
// classification reports signal "UNKNOWN", an empty phase, and no action
// items.
func DefaultDealPolicy() *FieldPolicy {
	return NewFieldPolicy().
		Remote(
			"Name",
			"Amount",
			"StageName",
			"CloseDate",
			"Probability",
			"OwnerId",
			"AccountId",
			"CurrencyIsoCode",
			"LastModifiedDate",
		).
		Local("health_signal", "UNKNOWN").
		Local("health_phase", "").
		Local("action_items", []interface{}{}).
		Local("last_health_check", nil)
}
