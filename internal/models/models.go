package models

import "time"

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentWaitingForCapture PaymentStatus = "waiting_for_capture"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentCanceled          PaymentStatus = "canceled"
)

type GenerationOutcome string

const (
	OutcomeCommitted   GenerationOutcome = "committed"
	OutcomeCompensated GenerationOutcome = "compensated"
)

// User is the account of one chat participant. Balance is counted in
// ozhivashki, the spendable generation credits.
type User struct {
	ChatID                 int64      `json:"chat_id"`
	Username               string     `json:"username"`
	Balance                int        `json:"ozhivashki"`
	GenerationCount        int        `json:"generation_count"`
	FirstGenerationTime    *time.Time `json:"first_generation_time"`
	LastGenerationTime     *time.Time `json:"last_generation_time"`
	RegisteredAt           time.Time  `json:"registered_at"`
	ReferralCode           string     `json:"referral_code"`
	ReferredBy             *int64     `json:"referred_by"`
	ReferralBonusClaimed   bool       `json:"referral_bonus_claimed"`
	DailyBonusClaimedToday bool       `json:"daily_bonus_claimed_today"`
	DailyBonusStreak       int        `json:"daily_bonus_streak"`
	DiscountOffered        bool       `json:"discount_offered"`
	LastActivityTime       *time.Time `json:"last_activity_time"`
	AdvertisingSource      string     `json:"advertising_source,omitempty"`
}

// Payment is a provider payment attached to a user. GenerationsAdded guards
// against crediting the same provider payment twice.
type Payment struct {
	PaymentID          string        `json:"payment_id"`
	ChatID             int64         `json:"chat_id"`
	ItemName           string        `json:"item_name"`
	Quantity           int           `json:"quantity"`
	Price              float64       `json:"price"`
	Status             PaymentStatus `json:"status"`
	GenerationsAdded   bool          `json:"generations_added"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CancellationParty  string        `json:"cancellation_party,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type AdvertisingSource struct {
	ID           int64     `json:"id"`
	SourceCode   string    `json:"source_code"`
	CampaignName string    `json:"campaign_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// KeyQuota is a point-in-time view of one generation API key's remaining
// allowance.
type KeyQuota struct {
	KeyIndex        int       `json:"key_index"`
	MinuteRemaining int64     `json:"minute_requests_remaining"`
	DayRemaining    int64     `json:"daily_requests_remaining"`
	LastMinuteReset time.Time `json:"last_minute_reset"`
	LastDailyReset  time.Time `json:"last_daily_reset"`
}

// GenerationLog is the audit record of one settled generation attempt.
type GenerationLog struct {
	ID               int64             `json:"id"`
	ChatID           int64             `json:"chat_id"`
	GenerationNumber int               `json:"generation_number"`
	Outcome          GenerationOutcome `json:"outcome"`
	MainImages       int               `json:"main_images"`
	BonusImages      int               `json:"bonus_images"`
	Reason           string            `json:"reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}
