package notify

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// FormatAmount renders minor units as a fixed-point decimal string, e.g.
// 1500000 with 6 decimals is "1.500000".
func FormatAmount(amount uint64, decimals uint8) string {
	if amount > domain.MaxAmount {
		return fmt.Sprintf("%d", amount)
	}
	return decimal.New(int64(amount), -int32(decimals)).StringFixed(int32(decimals))
}

// FormatEvent builds the title and body of a notification for ev.
func FormatEvent(ev domain.MarketEvent, decimals uint8) (title, message string) {
	locked := FormatAmount(ev.TotalCollateralLocked, decimals)
	switch ev.Type {
	case domain.EventMarketCreated:
		return fmt.Sprintf("Market %d created", ev.MarketID),
			fmt.Sprintf("Authority: %s", ev.Caller)
	case domain.EventSettled:
		return fmt.Sprintf("Market %d settled: %s", ev.MarketID, ev.Outcome),
			fmt.Sprintf("Collateral locked: %s", locked)
	case domain.EventClaimed:
		return fmt.Sprintf("Market %d reward claimed", ev.MarketID),
			fmt.Sprintf("%s claimed %s. Collateral locked: %s", ev.Caller, FormatAmount(ev.Amount, decimals), locked)
	case domain.EventSplit:
		return fmt.Sprintf("Market %d split", ev.MarketID),
			fmt.Sprintf("%s split %s. Collateral locked: %s", ev.Caller, FormatAmount(ev.Amount, decimals), locked)
	case domain.EventMerge:
		return fmt.Sprintf("Market %d merged", ev.MarketID),
			fmt.Sprintf("%s merged %s. Collateral locked: %s", ev.Caller, FormatAmount(ev.Amount, decimals), locked)
	default:
		return fmt.Sprintf("Market %d: %s", ev.MarketID, ev.Type), ""
	}
}
