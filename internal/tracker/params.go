// Package tracker implements the per-flow orchestrator of spec.md §4.3: it
// sequences chain pollers stage by stage, applies timeouts, persists
// progress, and publishes status events.
package tracker

import (
	"strconv"
	"strings"

	"github.com/circle-fin/usdc-flow-tracker/internal/models"
)

// FlowTrackingParams is the matching-parameter mapping derived from a flow's
// metadata by name lookup with fallbacks, per spec.md §4.4's derivation
// table.
type FlowTrackingParams struct {
	EvmBurnTxHash        string
	ForwardingAddress    string
	NamadaReceiver       string
	UsdcAddress          string
	Recipient            string
	AmountBaseUnits      string
	ExpectedAmountUusdc  string
	MemoJSON             string
	NamadaIbcTxHash      string
	DestinationCallerB64 string
	MintRecipientB64     string
	ChannelID            string
	DestinationDomain    string
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// DeriveParams implements spec.md §4.4 exactly: each derived key is read
// from its primary metadata field, falling back to named alternates, used
// only when a non-empty string is found.
func DeriveParams(flow *models.Flow) FlowTrackingParams {
	m := flow.Metadata

	txHash := ""
	if flow.TxHash != nil {
		txHash = *flow.TxHash
	}

	expectedAmount := m.ExpectedAmountUusdc
	if expectedAmount == "" && m.AmountBaseUnits != "" {
		if strings.HasSuffix(m.AmountBaseUnits, "uusdc") {
			expectedAmount = m.AmountBaseUnits
		} else {
			expectedAmount = m.AmountBaseUnits + "uusdc"
		}
	}

	return FlowTrackingParams{
		EvmBurnTxHash:        firstNonEmpty(m.EvmBurnTxHash, m.BurnTxHash, txHash),
		ForwardingAddress:    firstNonEmpty(m.ForwardingAddress, m.NobleForwardingAddr),
		NamadaReceiver:       firstNonEmpty(m.NamadaReceiver, m.DestinationAddress),
		UsdcAddress:          m.UsdcAddress,
		Recipient:            firstNonEmpty(m.Recipient, m.DestinationEvmAddr),
		AmountBaseUnits:      firstNonEmpty(m.AmountBaseUnits, m.Amount),
		ExpectedAmountUusdc:  expectedAmount,
		MemoJSON:             m.MemoJSON,
		NamadaIbcTxHash:      m.NamadaIbcTxHash,
		DestinationCallerB64: m.DestinationCallerB64,
		MintRecipientB64:     m.MintRecipientB64,
		ChannelID:            m.ChannelID,
		DestinationDomain:    m.DestinationDomain,
	}
}

// DestinationDomainInt parses DestinationDomain as a number, per spec.md
// §4.4's "same-named, numeric" rule.
func (p FlowTrackingParams) DestinationDomainInt() (int64, bool) {
	if p.DestinationDomain == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(p.DestinationDomain, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
