package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/http/dto"
	"github.com/radieske/betting-exchange/internal/exchange/matching"
	"github.com/radieske/betting-exchange/internal/exchange/orderbook"
	"github.com/radieske/betting-exchange/internal/exchange/service"
)

// Exchange é o que a API usa da fachada do motor
type Exchange interface {
	CreateUser(ctx context.Context, initialDeposit decimal.Decimal) (domain.BalanceView, error)
	GetUserBalance(ctx context.Context, userID string) (domain.BalanceView, error)
	Deposit(ctx context.Context, userID string, amount decimal.Decimal) (domain.BalanceView, error)
	Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (domain.BalanceView, error)
	ListUserBets(ctx context.Context, userID string) ([]*domain.Bet, error)

	CreateMarket(ctx context.Context, in service.CreateMarketInput) (*domain.Market, error)
	GetMarket(ctx context.Context, marketID string) (*domain.Market, error)
	SetMarketStatus(ctx context.Context, marketID string, status domain.MarketStatus) (*domain.Market, error)
	GetOrderBook(ctx context.Context, marketID, selection string) (orderbook.Book, error)
	SettleMarket(ctx context.Context, marketID, winningSelection string) (int, error)

	PlaceBackBet(ctx context.Context, in service.PlaceBetInput) (*domain.Bet, error)
	PlaceLayBet(ctx context.Context, in service.PlaceBetInput) (*domain.Bet, error)
	CancelBet(ctx context.Context, betID, userID string) (*domain.Bet, error)
	MatchBet(ctx context.Context, betID string) (matching.Result, error)
	GetBet(ctx context.Context, betID string) (*domain.Bet, error)
	ListBetMatches(ctx context.Context, betID string) ([]*domain.BetMatch, error)
}

// API expõe o exchange em JSON/HTTP
type API struct {
	Log      *zap.Logger
	Exchange Exchange
	WS       http.Handler // stream do livro; nil desliga /ws
	Admin    *AdminAPI    // admin da fila quando ela roda no mesmo processo

	validate *validator.Validate
}

func NewAPI(log *zap.Logger, x Exchange, ws http.Handler) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{Log: log, Exchange: x, WS: ws, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Router retorna o roteador HTTP com os endpoints REST
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.Log))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/users", a.createUser)
		r.Get("/users/{id}/balance", a.getBalance)
		r.Post("/users/{id}/deposit", a.deposit)
		r.Post("/users/{id}/withdraw", a.withdraw)
		r.Get("/users/{id}/bets", a.listUserBets)

		r.Post("/markets", a.createMarket)
		r.Get("/markets/{id}", a.getMarket)
		r.Post("/markets/{id}/status", a.setMarketStatus)
		r.Get("/markets/{id}/orderbook", a.getOrderBook)
		r.Post("/markets/{id}/settle", a.settleMarket)

		r.Post("/bets/back", a.placeBack)
		r.Post("/bets/lay", a.placeLay)
		r.Get("/bets/{id}", a.getBet)
		r.Post("/bets/{id}/cancel", a.cancelBet)
		r.Post("/bets/{id}/match", a.matchBet)
		r.Get("/bets/{id}/matches", a.listMatches)
	})

	if a.WS != nil {
		r.Handle("/ws", a.WS)
	}
	if a.Admin != nil {
		a.Admin.Routes(r)
	}
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// writeJSON serializa a resposta em JSON e define o status HTTP
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, dto.Envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, dto.Envelope{Success: false, Error: &dto.ErrorBody{Code: code, Message: msg}})
}

// decode lê o corpo JSON e roda as validações das tags
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		fail(w, http.StatusBadRequest, "BAD_REQUEST", "bad json: "+err.Error())
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		fail(w, http.StatusBadRequest, "VALIDATION_ERROR", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// errorStatus traduz erros de domínio em status/código; o resto vira 500
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
	{domain.ErrMarketNotOpen, http.StatusConflict, "MARKET_NOT_OPEN"},
	{domain.ErrMarketAlreadySettled, http.StatusConflict, "MARKET_ALREADY_SETTLED"},
	{domain.ErrNotMatchable, http.StatusConflict, "NOT_MATCHABLE"},
	{domain.ErrBetNotCancellable, http.StatusConflict, "BET_NOT_CANCELLABLE"},
	{domain.ErrNotOwner, http.StatusForbidden, "NOT_OWNER"},
	{domain.ErrConcurrencyConflict, http.StatusConflict, "CONCURRENCY_CONFLICT"},
	{domain.ErrInvalidSelection, http.StatusBadRequest, "INVALID_SELECTION"},
	{domain.ErrInvalidBet, http.StatusBadRequest, "INVALID_BET"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			fail(w, e.status, e.code, err.Error())
			return
		}
	}
	a.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	fail(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func parseDecimal(w http.ResponseWriter, field, s string) (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		fail(w, http.StatusBadRequest, "VALIDATION_ERROR", field+" is not a decimal")
		return decimal.Decimal{}, false
	}
	return v, true
}
