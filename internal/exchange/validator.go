package exchange

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/netshift/settlement-engine/internal/model"
)

const maxAddressLen = 128

// Structural is the default AddressValidator. It only checks that the
// address is a single bounded token; chain-specific formats surface as
// order-creation errors from the exchange.
type Structural struct{}

func (Structural) ValidateAddress(_ context.Context, unit model.UnitID, chain model.ChainID, address, memo string) error {
	if unit == "" || chain == "" {
		return fmt.Errorf("%w: receive unit and chain are required", ErrInvalidAddress)
	}
	if address == "" {
		return fmt.Errorf("%w: address is empty", ErrInvalidAddress)
	}
	if len(address) > maxAddressLen {
		return fmt.Errorf("%w: address longer than %d characters", ErrInvalidAddress, maxAddressLen)
	}
	if strings.IndexFunc(address, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: address contains whitespace", ErrInvalidAddress)
	}
	if strings.IndexFunc(memo, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: memo contains control characters", ErrInvalidAddress)
	}
	return nil
}
