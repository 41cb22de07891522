// Package store is the gateway's data store: the durable record of
// assets, balances, VTXOs, sessions, challenges, transactions, and
// invoices. All multi-row mutations that touch
// balances, VTXOs, or session state run inside a single transaction;
// uniqueness constraints are the primary defense against duplicate
// intents and double-spent VTXOs.
package store

import "time"

// AssetType distinguishes the gateway's own native fee/settlement asset
// from user-issued permissionless assets.
type AssetType string

const (
	AssetNative        AssetType = "native"
	AssetPermissionless AssetType = "permissionless"
)

// Asset is the registry entry for a fungible unit.
type Asset struct {
	AssetID     string    `db:"asset_id"`
	Name        string    `db:"name"`
	Ticker      string    `db:"ticker"`
	Type        AssetType `db:"type"`
	Decimals    int       `db:"decimals"`
	TotalSupply int64     `db:"total_supply"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
}

// AssetBalance is a per-identity balance for one asset.
type AssetBalance struct {
	UserPubkey      string `db:"user_pubkey"`
	AssetID         string `db:"asset_id"`
	Balance         int64  `db:"balance"`
	ReservedBalance int64  `db:"reserved_balance"`
}

// Spendable returns balance minus reserved_balance.
func (b AssetBalance) Spendable() int64 {
	return b.Balance - b.ReservedBalance
}

// VTXOStatus is the lifecycle state of a virtual UTXO. States are
// monotone: available < assigned < spent, and available < expired;
// reversion is forbidden.
type VTXOStatus string

const (
	VTXOAvailable VTXOStatus = "available"
	VTXOAssigned  VTXOStatus = "assigned"
	VTXOSpent     VTXOStatus = "spent"
	VTXOExpired   VTXOStatus = "expired"
)

// VTXO is the gateway's accounting of a spendable leaf on the Ark-style L2.
type VTXO struct {
	VTXOID       string     `db:"vtxo_id"`
	Txid         string     `db:"txid"`
	Vout         uint32     `db:"vout"`
	AmountSats   int64      `db:"amount_sats"`
	ScriptPubkey []byte     `db:"script_pubkey"`
	AssetID      string     `db:"asset_id"`
	UserPubkey   *string    `db:"user_pubkey"`
	Status       VTXOStatus `db:"status"`
	ExpiresAt    time.Time  `db:"expires_at"`
	SpendingTxid *string    `db:"spending_txid"`
	CreatedAt    time.Time  `db:"created_at"`
}

// SessionType names the kind of ceremony a signing session executes.
type SessionType string

const (
	SessionP2PTransfer    SessionType = "p2p_transfer"
	SessionLightningLift  SessionType = "lightning_lift"
	SessionLightningLand  SessionType = "lightning_land"
	SessionProtocolOp     SessionType = "protocol_op"
)

// SessionStatus is a canonical state in the session state machine. Aliases
// ("pending", "response_received") are mapped onto these by
// session.NormalizeStatus; the table's status check admits only canonical
// names.
type SessionStatus string

const (
	SessionInitiated        SessionStatus = "initiated"
	SessionChallengeSent    SessionStatus = "challenge_sent"
	SessionAwaitingSignature SessionStatus = "awaiting_signature"
	SessionSigning          SessionStatus = "signing"
	SessionCompleted        SessionStatus = "completed"
	SessionFailed           SessionStatus = "failed"
	SessionExpired          SessionStatus = "expired"
)

// FailureKind classifies why a session ended in SessionFailed, matching
// the failure-event error-code taxonomy.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureValidation         FailureKind = "validation"
	FailureBackendUnavailable FailureKind = "backend_unavailable"
	FailureSignatureMissing   FailureKind = "signature_missing"
	FailureSignatureInvalid   FailureKind = "signature_invalid"
	FailureConflict           FailureKind = "conflict"
	FailureTimeout            FailureKind = "timeout"
	FailureCancelled          FailureKind = "cancelled"
	FailureExpired            FailureKind = "expired"
	FailureInternal           FailureKind = "internal"
)

// SigningSession is one intent's execution context.
type SigningSession struct {
	SessionID         string        `db:"session_id"`
	UserPubkey        string        `db:"user_pubkey"`
	SessionType       SessionType   `db:"session_type"`
	Status            SessionStatus `db:"status"`
	ActionID          string        `db:"action_id"`
	IntentData        []byte        `db:"intent_data"`
	Context           string        `db:"context"`
	ExpiresAt         time.Time     `db:"expires_at"`
	ResultData        []byte        `db:"result_data"`
	SignedTx          []byte        `db:"signed_tx"`
	LastCompletedStep int           `db:"last_completed_step"`
	FailureKind       FailureKind   `db:"failure_kind"`
	CancelRequested   bool          `db:"cancel_requested"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

// ChallengeType distinguishes signing a full transaction vs. an opaque
// payload.
type ChallengeType string

const (
	ChallengeSignTx      ChallengeType = "sign_tx"
	ChallengeSignPayload ChallengeType = "sign_payload"
)

// SigningChallenge is a single signature request within a session.
type SigningChallenge struct {
	ChallengeID   string        `db:"challenge_id"`
	SessionID     string        `db:"session_id"`
	Type          ChallengeType `db:"type"`
	StepIndex     int           `db:"step_index"`
	StepTotal     int           `db:"step_total"`
	ChallengeData []byte        `db:"challenge_data"`
	PayloadRef    []byte        `db:"payload_ref"`
	Algo          string        `db:"algo"`
	Domain        string        `db:"domain"`
	Context       string        `db:"context"`
	ExpiresAt     time.Time     `db:"expires_at"`
	IsUsed        bool          `db:"is_used"`
	Signature     []byte        `db:"signature"`
	CreatedAt     time.Time     `db:"created_at"`
}

// TxType names what a Transaction row represents.
type TxType string

const (
	TxTypeTransfer     TxType = "transfer"
	TxTypeLightning    TxType = "lightning_land"
	TxTypeL1Commitment TxType = "l1_commitment"
)

// TxStatus is the lifecycle of a produced/broadcast transaction.
type TxStatus string

const (
	TxPrepared  TxStatus = "prepared"
	TxBroadcast TxStatus = "broadcast"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Transaction is a produced/broadcast transaction record.
type Transaction struct {
	Txid          string    `db:"txid"`
	SessionID     string    `db:"session_id"`
	TxType        TxType    `db:"tx_type"`
	RawTx         []byte    `db:"raw_tx"`
	Status        TxStatus  `db:"status"`
	AmountSats    int64     `db:"amount_sats"`
	FeeSats       int64     `db:"fee_sats"`
	Confirmations int       `db:"confirmations"`
	CreatedAt     time.Time `db:"created_at"`
	BroadcastAt   *time.Time `db:"broadcast_at"`
	ConfirmedAt   *time.Time `db:"confirmed_at"`
}

// InvoiceType distinguishes on-ramp from off-ramp Lightning claims.
type InvoiceType string

const (
	InvoiceLift InvoiceType = "lift"
	InvoiceLand InvoiceType = "land"
)

// InvoiceStatus is the lifecycle of a LightningInvoice.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoiceSettled InvoiceStatus = "settled"
	InvoiceFailed  InvoiceStatus = "failed"
	InvoiceExpired InvoiceStatus = "expired"
)

// LightningInvoice is a Lightning-layer claim bound to a session.
type LightningInvoice struct {
	PaymentHash    string        `db:"payment_hash"`
	Bolt11Invoice  string        `db:"bolt11_invoice"`
	SessionID      string        `db:"session_id"`
	AmountSats     int64         `db:"amount_sats"`
	AssetID        string        `db:"asset_id"`
	Status         InvoiceStatus `db:"status"`
	InvoiceType    InvoiceType   `db:"invoice_type"`
	CreatedAt      time.Time     `db:"created_at"`
	SettledAt      *time.Time    `db:"settled_at"`
}

// ProcessedEvent durably records that a relay event has already been
// handled, keyed by the gateway's idempotency rules: (author, action_id)
// for intents, (session_id, challenge_id) for responses. A Redis-only
// dedup window would not survive the crash-resume design of the dispatcher.
type ProcessedEvent struct {
	RelayEventID string    `db:"relay_event_id"`
	Author       string    `db:"author"`
	ActionID     *string   `db:"action_id"`
	SessionID    *string   `db:"session_id"`
	ChallengeID  *string   `db:"challenge_id"`
	ProcessedAt  time.Time `db:"processed_at"`
}

// L1CommitmentStatus is the lifecycle of an hourly settlement batch.
type L1CommitmentStatus string

const (
	CommitmentPending   L1CommitmentStatus = "pending"
	CommitmentBroadcast L1CommitmentStatus = "broadcast"
	CommitmentConfirmed L1CommitmentStatus = "confirmed"
	CommitmentFailed    L1CommitmentStatus = "failed"
)

// L1CommitmentBatch is the durable watermark and record for the periodic
// L1 settlement coordinator.
type L1CommitmentBatch struct {
	BatchID          string             `db:"batch_id"`
	AssetID          string             `db:"asset_id"`
	MerkleRoot       []byte             `db:"merkle_root"`
	L1Txid           *string            `db:"l1_txid"`
	BlockHeight      *int64             `db:"block_height"`
	Status           L1CommitmentStatus `db:"status"`
	IncludedVTXOIDs  []string           `db:"included_vtxo_ids"`
	CreatedAt        time.Time          `db:"created_at"`
	BroadcastAt      *time.Time         `db:"broadcast_at"`
}
