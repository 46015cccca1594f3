package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Stake e odd com no máximo duas casas: liability, retorno e top-up (produtos de dois
// fatores) cabem nas quatro casas das colunas NUMERIC sem arredondamento.
const (
	MoneyPlaces = 2
	OddsPlaces  = 2
)

func fitsPlaces(v decimal.Decimal, places int32) bool {
	return v.Truncate(places).Equal(v)
}

// ValidateAmount exige valor positivo com no máximo MoneyPlaces casas
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !fitsPlaces(amount, MoneyPlaces) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, MoneyPlaces)
	}
	return nil
}

// LayLiability = amount × (odds − 1): perda máxima de quem faz o lay
func LayLiability(amount, odds decimal.Decimal) decimal.Decimal {
	return amount.Mul(odds.Sub(one))
}

// MatchedLayLiability é a liability que os fills de um LAY ainda prendem: Σ m × (p − 1)
// na odd de execução de cada BetMatch, top-ups incluídos
func MatchedLayLiability(matches []*BetMatch) decimal.Decimal {
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(LayLiability(m.Amount, m.Odds))
	}
	return total
}

// PotentialWinnings retorna o retorno bruto esperado caso a aposta vença.
// BACK: amount × odds; LAY: o stake do apostador contrário (amount).
func PotentialWinnings(t BetType, amount, odds decimal.Decimal) decimal.Decimal {
	if t == BetBack {
		return amount.Mul(odds)
	}
	return amount
}

// ValidateOrder valida stake e odd antes de qualquer movimentação de saldo
func ValidateOrder(t BetType, amount, odds decimal.Decimal) error {
	if !t.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidBet, t)
	}
	if err := ValidateAmount(amount); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBet, err)
	}
	if odds.LessThanOrEqual(one) {
		return fmt.Errorf("%w: odds must be greater than 1", ErrInvalidBet)
	}
	if !fitsPlaces(odds, OddsPlaces) {
		return fmt.Errorf("%w: odds %s has more than %d decimal places", ErrInvalidBet, odds, OddsPlaces)
	}
	return nil
}

// CompatibleOdds aplica a regra de compatibilidade de preço:
// um BACK só casa com LAY de odd <= à sua; um LAY só casa com BACK de odd >= à sua.
func CompatibleOdds(incoming *Bet, candidateOdds decimal.Decimal) bool {
	if incoming.Type == BetBack {
		return candidateOdds.LessThanOrEqual(incoming.Odds)
	}
	return candidateOdds.GreaterThanOrEqual(incoming.Odds)
}

// ExecutionOdds escolhe a odd do casamento: min para BACK entrante, max para LAY entrante.
// Com a regra de compatibilidade acima, o resultado é sempre a odd da ordem que estava no livro.
func ExecutionOdds(incoming BetType, incomingOdds, restingOdds decimal.Decimal) decimal.Decimal {
	if incoming == BetBack {
		return decimal.Min(incomingOdds, restingOdds)
	}
	return decimal.Max(incomingOdds, restingOdds)
}

// StatusForMatched deriva o status a partir do valor casado
func StatusForMatched(amount, matched decimal.Decimal) BetStatus {
	switch {
	case matched.IsZero():
		return BetUnmatched
	case matched.GreaterThanOrEqual(amount):
		return BetFullyMatched
	default:
		return BetPartiallyMatched
	}
}

// marketTransitions lista as transições permitidas; estados terminais não têm saída.
var marketTransitions = map[MarketStatus][]MarketStatus{
	MarketOpen:      {MarketSuspended, MarketClosed, MarketCancelled, MarketSettled},
	MarketSuspended: {MarketOpen, MarketClosed, MarketCancelled, MarketSettled},
	MarketClosed:    {MarketCancelled, MarketSettled},
	MarketCancelled: nil,
	MarketSettled:   nil,
}

// CanTransition verifica se o mercado pode ir de from para to
func CanTransition(from, to MarketStatus) bool {
	for _, s := range marketTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidMarketStatus reporta se o status é um dos valores conhecidos
func ValidMarketStatus(s MarketStatus) bool {
	_, ok := marketTransitions[s]
	return ok
}
