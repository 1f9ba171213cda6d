package types

import (
	"time"
)

// RiskLevel is the risk tier derived from a trust score
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Decision is the verdict returned by the sentinel
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionBlock  Decision = "block"
	DecisionReview Decision = "review"
)

// IntentStatus represents the lifecycle state of a payment intent
type IntentStatus string

const (
	StatusPending    IntentStatus = "pending"
	StatusAuthorized IntentStatus = "authorized"
	StatusConfirming IntentStatus = "confirming"
	StatusConfirmed  IntentStatus = "confirmed"
	StatusExpired    IntentStatus = "expired"
	StatusFailed     IntentStatus = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s IntentStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusFailed
}

func (s IntentStatus) String() string {
	return string(s)
}

// SettlementMode names the backend that finalizes a payment
type SettlementMode string

const (
	SettlementLedger SettlementMode = "ledger"
	SettlementEVM    SettlementMode = "evm"
)

// CheckResult is the outcome of a single sentinel check.
type CheckResult struct {
	// Type is the check identifier (e.g. "tls", "blacklist").
	Type string `json:"type"`

	// Category groups checks (transport, reputation, content, payment, network).
	Category string `json:"category"`

	// Name is the human readable name of the check.
	Name string `json:"name"`

	Passed bool `json:"passed"`

	// Score in [0,100].
	Score int `json:"score"`

	Risk RiskLevel `json:"risk"`

	// Degraded is set when the check could not complete (timeout, source down).
	Degraded bool `json:"degraded,omitempty"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// ValidationResult is the sentinel verdict for a (url, amount) pair.
type ValidationResult struct {
	ID             string        `json:"id"`
	URL            string        `json:"url"`
	Timestamp      time.Time     `json:"timestamp"`
	Duration       int64         `json:"duration"`
	CanPay         bool          `json:"canPay"`
	TrustScore     int           `json:"trustScore"`
	Confidence     float64       `json:"confidence"`
	Risk           RiskLevel     `json:"risk"`
	Decision       Decision      `json:"decision"`
	Checks         []CheckResult `json:"checks"`
	MaxAmount      *int64        `json:"maxAmount,omitempty"`
	Warnings       []string      `json:"warnings"`
	BlockedReasons []string      `json:"blockedReasons"`
}

// PaymentIntent is a proposed payment awaiting authorization and settlement.
type PaymentIntent struct {
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	Amount    int64        `json:"amount"`
	Currency  string       `json:"currency"`
	Token     string       `json:"token"`
	Chain     string       `json:"chain"`
	Sender    string       `json:"sender"`
	Recipient string       `json:"recipient"`
	Status    IntentStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	UpdatedAt time.Time    `json:"updatedAt"`

	ValidationID string `json:"validationId,omitempty"`
	TrustScore   int    `json:"trustScore"`

	// Attempt counts authorization challenges issued for this intent.
	Attempt int `json:"attempt"`

	// Nonce is the bytes32 hex nonce of the current challenge.
	Nonce string `json:"nonce,omitempty"`

	Signature string `json:"-"`

	// SettlementTx is the hash of a submitted but not yet confirmed settlement.
	SettlementTx string `json:"settlementTx,omitempty"`

	Receipt       *Receipt `json:"receipt,omitempty"`
	FailureReason string   `json:"failureReason,omitempty"`

	// Version is bumped on every stored transition (compare-and-swap key).
	Version int64 `json:"version"`
}

// Clone returns a deep copy safe to mutate.
func (p *PaymentIntent) Clone() *PaymentIntent {
	if p == nil {
		return nil
	}
	c := *p
	if p.Receipt != nil {
		r := *p.Receipt
		c.Receipt = &r
	}
	return &c
}

// IsExpired reports whether the intent is past its expiry at the given time.
func (p *PaymentIntent) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Receipt is the immutable proof that an intent was settled.
type Receipt struct {
	IntentID      string         `json:"intentId"`
	TxHash        string         `json:"txHash"`
	ExplorerURL   string         `json:"explorerUrl"`
	ConfirmedAt   time.Time      `json:"confirmedAt"`
	Amount        int64          `json:"amount"`
	AmountDisplay string         `json:"amountDisplay"`
	Currency      string         `json:"currency"`
	Recipient     string         `json:"recipient"`
	Sender        string         `json:"sender"`
	Mode          SettlementMode `json:"mode"`
}

// SettlementResult contains the result of a settlement backend call
type SettlementResult struct {
	TxHash      string         `json:"txHash"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	Mode        SettlementMode `json:"mode"`
}

// PaymentStatus is the client-facing view of an intent's settlement.
type PaymentStatus struct {
	Paid    bool         `json:"paid"`
	Status  IntentStatus `json:"status"`
	Receipt *Receipt     `json:"receipt,omitempty"`
}

// HealthStatus values
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "unavailable"
)

// TreasuryHealth describes the settlement backend.
type TreasuryHealth struct {
	Mode    SettlementMode `json:"mode"`
	Address string         `json:"address,omitempty"`
	Status  string         `json:"status"`
}

// HealthReport is returned by the health endpoint.
type HealthReport struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Treasury  TreasuryHealth    `json:"treasury"`
	Sentinel  map[string]string `json:"sentinel"`
	Ledger    string            `json:"ledger"`
}
