package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/http/dto"
	"github.com/radieske/betting-exchange/internal/exchange/service"
)

// --- usuários

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateUserRequest
	if !a.decode(w, r, &req) {
		return
	}
	deposit := decimal.Zero
	if req.InitialDeposit != "" {
		var valid bool
		if deposit, valid = parseDecimal(w, "initialDeposit", req.InitialDeposit); !valid {
			return
		}
	}
	v, err := a.Exchange.CreateUser(r.Context(), deposit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, v)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	v, err := a.Exchange.GetUserBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, v)
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	a.moveFunds(w, r, a.Exchange.Deposit)
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	a.moveFunds(w, r, a.Exchange.Withdraw)
}

func (a *API) moveFunds(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string, amount decimal.Decimal) (domain.BalanceView, error)) {
	var req dto.AmountRequest
	if !a.decode(w, r, &req) {
		return
	}
	amount, valid := parseDecimal(w, "amount", req.Amount)
	if !valid {
		return
	}
	v, err := op(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, v)
}

func (a *API) listUserBets(w http.ResponseWriter, r *http.Request) {
	bets, err := a.Exchange.ListUserBets(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, dto.NewBetList(bets))
}

// --- mercados

func (a *API) createMarket(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateMarketRequest
	if !a.decode(w, r, &req) {
		return
	}
	m, err := a.Exchange.CreateMarket(r.Context(), service.CreateMarketInput{
		EventID:    req.EventID,
		Name:       req.Name,
		Selections: req.Selections,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, dto.NewMarketResponse(m))
}

func (a *API) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := a.Exchange.GetMarket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, dto.NewMarketResponse(m))
}

func (a *API) setMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req dto.SetMarketStatusRequest
	if !a.decode(w, r, &req) {
		return
	}
	m, err := a.Exchange.SetMarketStatus(r.Context(), chi.URLParam(r, "id"), domain.MarketStatus(req.Status))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, dto.NewMarketResponse(m))
}

// getOrderBook aceita ?selection= para filtrar uma seleção
func (a *API) getOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := a.Exchange.GetOrderBook(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("selection"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, book)
}

func (a *API) settleMarket(w http.ResponseWriter, r *http.Request) {
	var req dto.SettleMarketRequest
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	n, err := a.Exchange.SettleMarket(r.Context(), id, req.WinningSelection)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, dto.SettleResponse{MarketID: id, SettledCount: n})
}

// --- apostas

func (a *API) placeBack(w http.ResponseWriter, r *http.Request) {
	a.placeBet(w, r, a.Exchange.PlaceBackBet)
}

func (a *API) placeLay(w http.ResponseWriter, r *http.Request) {
	a.placeBet(w, r, a.Exchange.PlaceLayBet)
}

func (a *API) placeBet(w http.ResponseWriter, r *http.Request, place func(ctx context.Context, in service.PlaceBetInput) (*domain.Bet, error)) {
	var req dto.PlaceBetRequest
	if !a.decode(w, r, &req) {
		return
	}
	amount, valid := parseDecimal(w, "amount", req.Amount)
	if !valid {
		return
	}
	odds, valid := parseDecimal(w, "odds", req.Odds)
	if !valid {
		return
	}
	bet, err := place(r.Context(), service.PlaceBetInput{
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		Selection: req.Selection,
		Amount:    amount,
		Odds:      odds,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, dto.NewBetResponse(bet))
}

func (a *API) getBet(w http.ResponseWriter, r *http.Request) {
	bet, err := a.Exchange.GetBet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, dto.NewBetResponse(bet))
}

func (a *API) cancelBet(w http.ResponseWriter, r *http.Request) {
	var req dto.CancelBetRequest
	if !a.decode(w, r, &req) {
		return
	}
	bet, err := a.Exchange.CancelBet(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, dto.NewBetResponse(bet))
}

func (a *API) matchBet(w http.ResponseWriter, r *http.Request) {
	res, err := a.Exchange.MatchBet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, dto.MatchResultResponse{
		BetID:         res.BetID,
		MatchedAmount: res.MatchedAmount,
		Matches:       dto.NewMatchList(res.Matches),
	})
}

func (a *API) listMatches(w http.ResponseWriter, r *http.Request) {
	ms, err := a.Exchange.ListBetMatches(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, dto.NewMatchList(ms))
}
