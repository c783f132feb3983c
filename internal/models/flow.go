package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// FlowType distinguishes the two supported cross-chain shapes.
type FlowType string

const (
	FlowTypeDeposit FlowType = "deposit"
	FlowTypePayment FlowType = "payment"
)

// FlowStatus is the overall lattice: pending -> {completed, failed, undetermined}.
type FlowStatus string

const (
	FlowStatusPending      FlowStatus = "pending"
	FlowStatusCompleted    FlowStatus = "completed"
	FlowStatusFailed       FlowStatus = "failed"
	FlowStatusUndetermined FlowStatus = "undetermined"
)

// IsTerminal reports whether s is completed, failed or undetermined.
func (s FlowStatus) IsTerminal() bool {
	return s == FlowStatusCompleted || s == FlowStatusFailed || s == FlowStatusUndetermined
}

// ChainKey is the closed set of chains a Flow can have progress against.
type ChainKey string

const (
	ChainKeyEVM    ChainKey = "evm"
	ChainKeyNoble  ChainKey = "noble"
	ChainKeyNamada ChainKey = "namada"
)

// ChainEntryStatus is per-chain progress status.
type ChainEntryStatus string

const (
	ChainEntryPending   ChainEntryStatus = "pending"
	ChainEntryConfirmed ChainEntryStatus = "confirmed"
	ChainEntryFailed    ChainEntryStatus = "failed"
)

// StageSource distinguishes poller-observed stages from client-reported ones.
type StageSource string

const (
	StageSourcePoller StageSource = "poller"
	StageSourceClient StageSource = "client"
)

// Stage is one observation appended to a ChainProgressEntry. Append-only:
// existing stages are never mutated once written.
type Stage struct {
	Stage      string            `json:"stage"`
	Status     ChainEntryStatus  `json:"status"`
	Message    string            `json:"message,omitempty"`
	TxHash     string            `json:"txHash,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Source     StageSource       `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ChainProgressEntry is per-chain sub-state within a Flow.
type ChainProgressEntry struct {
	Status        ChainEntryStatus `json:"status"`
	TxHash        string           `json:"txHash,omitempty"`
	StartBlock    *int64           `json:"startBlock,omitempty"`
	LastCheckedAt *time.Time       `json:"lastCheckedAt,omitempty"`
	Stages        []Stage          `json:"stages"`
	GaslessStages []Stage          `json:"gaslessStages,omitempty"`
}

// ChainProgress is the fixed, closed-key-set replacement for a string-keyed
// progress map: only evm/noble/namada sub-records ever exist, each optional
// depending on flowType.
type ChainProgress struct {
	EVM    *ChainProgressEntry `json:"evm,omitempty"`
	Noble  *ChainProgressEntry `json:"noble,omitempty"`
	Namada *ChainProgressEntry `json:"namada,omitempty"`
}

// Entry returns the sub-record for key, creating it if absent.
func (cp *ChainProgress) Entry(key ChainKey) *ChainProgressEntry {
	switch key {
	case ChainKeyEVM:
		if cp.EVM == nil {
			cp.EVM = &ChainProgressEntry{Status: ChainEntryPending}
		}
		return cp.EVM
	case ChainKeyNoble:
		if cp.Noble == nil {
			cp.Noble = &ChainProgressEntry{Status: ChainEntryPending}
		}
		return cp.Noble
	case ChainKeyNamada:
		if cp.Namada == nil {
			cp.Namada = &ChainProgressEntry{Status: ChainEntryPending}
		}
		return cp.Namada
	default:
		return nil
	}
}

// Value / Scan make ChainProgress a JSONB-backed GORM field, the way the
// teacher persists TaskData as a single jsonb column.
func (cp ChainProgress) Value() (driver.Value, error) {
	return json.Marshal(cp)
}

func (cp *ChainProgress) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("models: ChainProgress.Scan: unsupported type")
		}
		b = []byte(s)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, cp)
}

// FlowMetadata is the tagged-union replacement for a free-form metadata map.
// It carries every field named in the parameter-derivation table, plus an
// Extra side-channel for pass-through data the engine never reads for
// control flow.
type FlowMetadata struct {
	EvmBurnTxHash        string `json:"evmBurnTxHash,omitempty"`
	BurnTxHash           string `json:"burnTxHash,omitempty"`
	ForwardingAddress    string `json:"forwardingAddress,omitempty"`
	NobleForwardingAddr  string `json:"nobleForwardingAddress,omitempty"`
	NamadaReceiver       string `json:"namadaReceiver,omitempty"`
	DestinationAddress   string `json:"destinationAddress,omitempty"`
	UsdcAddress          string `json:"usdcAddress,omitempty"`
	Recipient            string `json:"recipient,omitempty"`
	DestinationEvmAddr   string `json:"destinationEvmAddress,omitempty"`
	AmountBaseUnits      string `json:"amountBaseUnits,omitempty"`
	Amount               string `json:"amount,omitempty"`
	ExpectedAmountUusdc  string `json:"expectedAmountUusdc,omitempty"`
	MemoJSON             string `json:"memoJson,omitempty"`
	NamadaIbcTxHash      string `json:"namadaIbcTxHash,omitempty"`
	DestinationCallerB64 string `json:"destinationCallerB64,omitempty"`
	MintRecipientB64     string `json:"mintRecipientB64,omitempty"`
	ChannelID            string `json:"channelId,omitempty"`
	DestinationDomain    string `json:"destinationDomain,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

func (m FlowMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *FlowMetadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("models: FlowMetadata.Scan: unsupported type")
		}
		b = []byte(s)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, m)
}

// ErrorState describes the last terminal error recorded against a Flow.
type ErrorState struct {
	Reason     string    `json:"reason,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	TimeoutMs  int64     `json:"timeoutMs,omitempty"`
	ElapsedMs  int64     `json:"elapsedMs,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt,omitempty"`
}

func (e ErrorState) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *ErrorState) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("models: ErrorState.Scan: unsupported type")
		}
		b = []byte(s)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, e)
}

// Flow is one tracked cross-chain operation. GORM model.
type Flow struct {
	ID               string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TxHash           *string    `gorm:"type:varchar(128);uniqueIndex" json:"txHash,omitempty"`
	FlowType         FlowType   `gorm:"type:varchar(16);index" json:"flowType"`
	InitialChain     string     `gorm:"type:varchar(64)" json:"initialChain"`
	DestinationChain string     `gorm:"type:varchar(64)" json:"destinationChain"`
	Status           FlowStatus `gorm:"type:varchar(16);index" json:"status"`

	ChainProgress ChainProgress `gorm:"type:jsonb" json:"chainProgress"`
	Metadata      FlowMetadata  `gorm:"type:jsonb" json:"metadata"`
	ErrorState    ErrorState    `gorm:"type:jsonb" json:"errorState"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewFlowID mints an opaque flow identifier.
func NewFlowID() string {
	return uuid.New().String()
}

// JSONMap is a small jsonb-backed string map, grounded on the teacher's JSONB
// convention in internal/models/fee_query_models.go.
type JSONMap map[string]string

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("models: JSONMap.Scan: unsupported type")
		}
		b = []byte(s)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, m)
}

// StatusLog is an append-only audit row, one per stage transition.
type StatusLog struct {
	ID        uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	FlowID    string      `gorm:"type:varchar(64);index" json:"flowId"`
	Stage     string      `gorm:"type:varchar(128)" json:"stage"`
	ChainKey  ChainKey    `gorm:"type:varchar(16)" json:"chainKey"`
	Source    StageSource `gorm:"type:varchar(16)" json:"source"`
	Detail    JSONMap     `gorm:"type:jsonb" json:"detail,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (StatusLog) TableName() string { return "status_logs" }
