package domain

import "time"

// Bus channel and stream that carry market lifecycle events.
const (
	ChannelMarkets = "markets"
	StreamMarkets  = "stream:markets"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventMarketCreated EventType = "market_created"
	EventSplit         EventType = "collateral_split"
	EventMerge         EventType = "pair_merged"
	EventSettled       EventType = "market_settled"
	EventClaimed       EventType = "reward_claimed"
)

// MarketEvent is published after a lifecycle operation commits.
type MarketEvent struct {
	ID                    string    `json:"id"`
	Type                  EventType `json:"event"`
	MarketID              uint64    `json:"market_id"`
	Caller                string    `json:"caller,omitempty"`
	Amount                uint64    `json:"amount,omitempty"`
	Outcome               Outcome   `json:"outcome,omitempty"`
	TotalCollateralLocked uint64    `json:"total_collateral_locked"`
	At                    time.Time `json:"at"`
}
