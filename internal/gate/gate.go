// Package gate authorizes named capabilities against the current license tier.
package gate

import (
	"fmt"
	"sync"
)

// Tier is an ordered subscription level. Comparison is always by rank,
// never by name.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

var tierRanks = map[Tier]int{
	TierFree: 0,
	TierPro:  1,
	TierTeam: 2,
}

// Rank returns the numeric rank of a tier. Unknown tiers rank below free.
func (t Tier) Rank() int {
	if rank, ok := tierRanks[t]; ok {
		return rank
	}
	return -1
}

// Known reports whether the tier is one the gate understands.
func (t Tier) Known() bool {
	_, ok := tierRanks[t]
	return ok
}

// DisplayName returns a human-readable name for the tier.
func (t Tier) DisplayName() string {
	switch t {
	case TierFree:
		return "Free"
	case TierPro:
		return "Tome Pro"
	case TierTeam:
		return "Tome Team"
	default:
		return string(t)
	}
}

// Gated capability identifiers.
const (
	FeatureUnlimitedDocuments = "unlimited_documents"
	FeatureCloudModels        = "cloud_models"
	FeatureAdvancedSearch     = "advanced_search"
	FeatureExportChats        = "export_chats"
	FeatureSharedCollections  = "shared_collections"
	FeaturePrioritySupport    = "priority_support"
)

// featureRequirements maps each gated capability to the minimum tier that
// includes it. Capabilities absent from this map are universally allowed.
var featureRequirements = map[string]Tier{
	FeatureUnlimitedDocuments: TierPro,
	FeatureCloudModels:        TierPro,
	FeatureAdvancedSearch:     TierPro,
	FeatureExportChats:        TierPro,
	FeatureSharedCollections:  TierTeam,
	FeaturePrioritySupport:    TierTeam,
}

// Decision is the structured result of a capability check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	RequiredTier Tier   `json:"requiredTier,omitempty"`
}

// DeniedError is returned by Require when the current tier does not include
// the capability.
type DeniedError struct {
	Feature      string
	CurrentTier  Tier
	RequiredTier Tier
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("feature %q requires %s (current tier: %s)",
		e.Feature, e.RequiredTier.DisplayName(), e.CurrentTier.DisplayName())
}

// Gate holds the current tier and answers capability checks. The tier is set
// exclusively from the license validator; the gate holds no licensing
// knowledge of its own.
type Gate struct {
	mu   sync.RWMutex
	tier Tier
}

// New creates a gate seeded with the given tier.
func New(tier Tier) *Gate {
	if !tier.Known() {
		tier = TierFree
	}
	return &Gate{tier: tier}
}

// SetTier is the gate's only mutator. It must be called whenever the
// validator's tier changes: activation, deactivation, or startup load.
func (g *Gate) SetTier(tier Tier) {
	if !tier.Known() {
		tier = TierFree
	}
	g.mu.Lock()
	g.tier = tier
	g.mu.Unlock()
}

// Tier returns the current tier.
func (g *Gate) Tier() Tier {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tier
}

// Check reports whether the named capability is available under the current
// tier. Unmapped capabilities are always allowed.
func (g *Gate) Check(feature string) Decision {
	required, gated := featureRequirements[feature]
	if !gated {
		return Decision{Allowed: true}
	}

	current := g.Tier()
	if current.Rank() >= required.Rank() {
		return Decision{Allowed: true}
	}

	return Decision{
		Allowed:      false,
		Reason:       fmt.Sprintf("%s requires %s", feature, required.DisplayName()),
		RequiredTier: required,
	}
}

// Require returns a DeniedError when the capability is not available.
// Callers use it to short-circuit privileged operations before any side
// effect occurs.
func (g *Gate) Require(feature string) error {
	decision := g.Check(feature)
	if decision.Allowed {
		return nil
	}
	return &DeniedError{
		Feature:      feature,
		CurrentTier:  g.Tier(),
		RequiredTier: decision.RequiredTier,
	}
}
