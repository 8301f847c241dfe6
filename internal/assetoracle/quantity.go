package assetoracle

import (
	"fmt"

	"github.com/klingon-exchange/pepebroker/pkg/helpers"
)

// parseNormalizedQuantity converts the indexer's decimal-string quantity
// into the broker's internal fixed-point representation, the same
// base-10 fixed-point form in which listing.Listing.AssetQty is held.
func parseNormalizedQuantity(normalized string, divisibility int) (uint64, uint8, error) {
	if divisibility < 0 || divisibility > 8 {
		return 0, 0, fmt.Errorf("unsupported divisibility %d", divisibility)
	}
	decimals := uint8(divisibility)
	qty, err := helpers.ParseAmount(normalized, decimals)
	if err != nil {
		return 0, 0, err
	}
	return qty, decimals, nil
}
