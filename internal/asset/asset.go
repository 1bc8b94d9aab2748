// Package asset handles unit and chain identifier parsing and normalization.
// Identifiers arrive from users in mixed case ("USDC", "usdc-Arbitrum") and
// must compare equal everywhere in the engine.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/netshift/settlement-engine/internal/model"
)

// assetRegex matches: {unit} or {unit}-{chain}
// Example: usdc-arbitrum
var assetRegex = regexp.MustCompile(`^([a-z0-9]{1,16})(?:-([a-z0-9]{1,32}))?$`)

var (
	ErrInvalidAsset = errors.New("asset: invalid asset identifier")
	ErrMissingChain = errors.New("asset: chain is required")
)

// Asset is a parsed unit/chain pair.
type Asset struct {
	Unit  model.UnitID  `json:"unit"`
	Chain model.ChainID `json:"chain,omitempty"`
}

// String renders the asset in {unit}-{chain} form.
func (a Asset) String() string {
	if a.Chain == "" {
		return string(a.Unit)
	}
	return string(a.Unit) + "-" + string(a.Chain)
}

// Parse parses and validates an asset identifier.
// Format: {unit}[-{chain}], case-insensitive.
func Parse(s string) (Asset, error) {
	matches := assetRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if matches == nil {
		return Asset{}, fmt.Errorf("%w: %q (expected {unit} or {unit}-{chain})", ErrInvalidAsset, s)
	}
	return Asset{Unit: model.UnitID(matches[1]), Chain: model.ChainID(matches[2])}, nil
}

// ParseWithChain is Parse but rejects identifiers without a chain.
func ParseWithChain(s string) (Asset, error) {
	a, err := Parse(s)
	if err != nil {
		return Asset{}, err
	}
	if a.Chain == "" {
		return Asset{}, fmt.Errorf("%w: %q", ErrMissingChain, s)
	}
	return a, nil
}

// Unit normalizes a unit id.
func Unit(u model.UnitID) model.UnitID {
	return model.UnitID(strings.ToLower(strings.TrimSpace(string(u))))
}

// Chain normalizes a chain id.
func Chain(c model.ChainID) model.ChainID {
	return model.ChainID(strings.ToLower(strings.TrimSpace(string(c))))
}

// NormalizeObligations returns a copy with every unit normalized.
func NormalizeObligations(obs []model.Obligation) []model.Obligation {
	out := make([]model.Obligation, len(obs))
	for i, o := range obs {
		o.Unit = Unit(o.Unit)
		out[i] = o
	}
	return out
}

// NormalizePreferences returns a copy with units and chains normalized.
func NormalizePreferences(prefs []model.RecipientPreference) []model.RecipientPreference {
	out := make([]model.RecipientPreference, len(prefs))
	for i, p := range prefs {
		p.ReceiveUnit = Unit(p.ReceiveUnit)
		p.ReceiveChain = Chain(p.ReceiveChain)
		p.ReceiveAddress = strings.TrimSpace(p.ReceiveAddress)
		p.RefundAddress = strings.TrimSpace(p.RefundAddress)
		out[i] = p
	}
	return out
}
