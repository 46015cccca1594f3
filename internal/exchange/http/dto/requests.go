package dto

// valores monetários e odds trafegam como string decimal ("100.50") para não perder precisão

type CreateUserRequest struct {
	InitialDeposit string `json:"initialDeposit" validate:"omitempty,numeric"`
}

type AmountRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

type CreateMarketRequest struct {
	EventID    string   `json:"eventId" validate:"required"`
	Name       string   `json:"name" validate:"required"`
	Selections []string `json:"selections" validate:"required,min=1,unique,dive,required"`
}

type SetMarketStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=OPEN SUSPENDED CLOSED CANCELLED SETTLED"`
}

type SettleMarketRequest struct {
	WinningSelection string `json:"winningSelection" validate:"required"`
}

type PlaceBetRequest struct {
	UserID    string `json:"userId" validate:"required"`
	MarketID  string `json:"marketId" validate:"required"`
	Selection string `json:"selection" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Odds      string `json:"odds" validate:"required,numeric"`
}

type CancelBetRequest struct {
	UserID string `json:"userId" validate:"required"`
}
