package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunLifecycleEvent is emitted when a run starts executing or reaches a
// terminal status.
type RunLifecycleEvent struct {
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	RunID            uuid.UUID `json:"run_id"`
	Status           RunStatus `json:"status"`
	Confirmed        int       `json:"confirmed"`
	Failed           int       `json:"failed"`
	TotalPayouts     int       `json:"total_payouts"`
	ResidualUsdCents int64     `json:"residual_usd_cents"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// PayoutStatusEvent is emitted when a payout reaches a terminal status.
type PayoutStatusEvent struct {
	EventID          string       `json:"event_id"`
	EventType        string       `json:"event_type"`
	RunID            uuid.UUID    `json:"run_id"`
	PayoutID         uuid.UUID    `json:"payout_id"`
	ContributorLogin string       `json:"contributor_login"`
	UsdCents         int64        `json:"usd_cents"`
	NativeAmount     int64        `json:"native_amount"`
	AssetSymbol      string       `json:"asset_symbol"`
	Status           PayoutStatus `json:"status"`
	SettlementTxID   string       `json:"settlement_tx_id,omitempty"`
	ErrorCode        string       `json:"error_code,omitempty"`
	OccurredAt       time.Time    `json:"occurred_at"`
}
