package httpapi

import (
	"fmt"
	"regexp"

	"github.com/ocx/vessel-relay/internal/relayerr"
)

// mintPattern is the base58-shaped token-mint pattern spec.md §6 names.
var mintPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

func validateMint(mint string) error {
	if !mintPattern.MatchString(mint) {
		return relayerr.New(relayerr.KindValidation, "token_mint is not a valid base58-shaped mint address")
	}
	return nil
}

func validateWhitelisted(worker string, whitelist map[string]struct{}) error {
	if _, ok := whitelist[worker]; !ok {
		return relayerr.New(relayerr.KindCrossAgent, fmt.Sprintf("worker %q is not whitelisted", worker))
	}
	return nil
}

// validateBuyAmount enforces amount_sol in (0, 1.0] per spec.md §6.
func validateBuyAmount(amount float64) error {
	if amount <= 0 || amount > 1.0 {
		return relayerr.New(relayerr.KindValidation, "amount_sol must be in (0, 1.0]")
	}
	return nil
}

// validateSellPercent enforces percent in (0, 100] per spec.md §6.
func validateSellPercent(percent float64) error {
	if percent <= 0 || percent > 100 {
		return relayerr.New(relayerr.KindValidation, "percent must be in (0, 100] for sell")
	}
	return nil
}

// validateTransferPercent enforces percent in [1, 100] per spec.md §6.
func validateTransferPercent(percent float64) error {
	if percent < 1 || percent > 100 {
		return relayerr.New(relayerr.KindValidation, "percent must be in [1, 100] for transfer")
	}
	return nil
}

// validateTransferSOLAmount enforces amount_sol in (0, 1.0], the same
// bound the buy proxy applies, per spec.md §6.
func validateTransferSOLAmount(amount float64) error {
	if amount <= 0 || amount > 1.0 {
		return relayerr.New(relayerr.KindValidation, "amount_sol must be in (0, 1.0] for transfer-sol")
	}
	return nil
}

// validateSlippage enforces slippage_bps in [1, 500] per spec.md §6.
func validateSlippage(bps int) error {
	if bps < 1 || bps > 500 {
		return relayerr.New(relayerr.KindValidation, "slippage_bps must be in [1, 500]")
	}
	return nil
}
