package topics

const (
	// Bets
	BetPlaced    = "bet_placed"
	BetMatched   = "bet_matched"
	BetCancelled = "bet_cancelled"

	// Markets
	MarketSettled = "market_settled"
)
