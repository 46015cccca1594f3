package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

// Level agrega o valor não casado de uma (seleção, odd)
type Level struct {
	Selection string          `json:"selection"`
	Odds      decimal.Decimal `json:"odds"`
	Amount    decimal.Decimal `json:"amount"`
	Orders    int             `json:"orders"`
}

// Book é a visão do livro de um mercado.
// BackLevels: maior odd primeiro; LayLevels: menor odd primeiro.
type Book struct {
	MarketID   string  `json:"marketId"`
	Selection  string  `json:"selection,omitempty"`
	BackLevels []Level `json:"backLevels"`
	LayLevels  []Level `json:"layLevels"`
}

type levelKey struct {
	selection string
	odds      string
}

// Build deriva o livro das apostas em aberto; não há livro persistido
func Build(marketID, selection string, bets []*domain.Bet) Book {
	back := map[levelKey]*Level{}
	lay := map[levelKey]*Level{}

	for _, b := range bets {
		if b.MarketID != marketID || !b.Status.Open() {
			continue
		}
		if selection != "" && b.Selection != selection {
			continue
		}
		rem := b.Remaining()
		if !rem.IsPositive() {
			continue
		}

		side := back
		if b.Type == domain.BetLay {
			side = lay
		}
		k := levelKey{selection: b.Selection, odds: b.Odds.String()}
		lv, ok := side[k]
		if !ok {
			lv = &Level{Selection: b.Selection, Odds: b.Odds, Amount: decimal.Zero}
			side[k] = lv
		}
		lv.Amount = lv.Amount.Add(rem)
		lv.Orders++
	}

	book := Book{
		MarketID:   marketID,
		Selection:  selection,
		BackLevels: flatten(back),
		LayLevels:  flatten(lay),
	}
	sort.Slice(book.BackLevels, func(i, j int) bool {
		return less(book.BackLevels[i], book.BackLevels[j], true)
	})
	sort.Slice(book.LayLevels, func(i, j int) bool {
		return less(book.LayLevels[i], book.LayLevels[j], false)
	})
	return book
}

func flatten(m map[levelKey]*Level) []Level {
	out := make([]Level, 0, len(m))
	for _, lv := range m {
		out = append(out, *lv)
	}
	return out
}

// less ordena por odd (desc para back) e, no empate, pela seleção
func less(a, b Level, desc bool) bool {
	if c := a.Odds.Cmp(b.Odds); c != 0 {
		if desc {
			return c > 0
		}
		return c < 0
	}
	return a.Selection < b.Selection
}
