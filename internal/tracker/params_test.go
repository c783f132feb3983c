package tracker

import (
	"testing"

	"github.com/circle-fin/usdc-flow-tracker/internal/models"
)

func TestDeriveParams_PrefersPrimaryFieldOverFallback(t *testing.T) {
	flow := &models.Flow{
		Metadata: models.FlowMetadata{
			EvmBurnTxHash: "0xprimary",
			BurnTxHash:    "0xfallback",
		},
	}
	p := DeriveParams(flow)
	if p.EvmBurnTxHash != "0xprimary" {
		t.Fatalf("expected primary field to win, got %s", p.EvmBurnTxHash)
	}
}

func TestDeriveParams_FallsBackToTxHashWhenNoBurnHashFields(t *testing.T) {
	txHash := "0xinitiating"
	flow := &models.Flow{TxHash: &txHash, Metadata: models.FlowMetadata{}}
	p := DeriveParams(flow)
	if p.EvmBurnTxHash != "0xinitiating" {
		t.Fatalf("expected flow.TxHash fallback, got %s", p.EvmBurnTxHash)
	}
}

func TestDeriveParams_ForwardingAddressFallsBackToNobleForwardingAddr(t *testing.T) {
	flow := &models.Flow{Metadata: models.FlowMetadata{NobleForwardingAddr: "noble1xyz"}}
	p := DeriveParams(flow)
	if p.ForwardingAddress != "noble1xyz" {
		t.Fatalf("expected fallback forwarding address, got %s", p.ForwardingAddress)
	}
}

func TestDeriveParams_ExpectedAmountDerivedFromAmountBaseUnitsWithSuffix(t *testing.T) {
	flow := &models.Flow{Metadata: models.FlowMetadata{AmountBaseUnits: "100000"}}
	p := DeriveParams(flow)
	if p.ExpectedAmountUusdc != "100000uusdc" {
		t.Fatalf("expected derived uusdc-suffixed amount, got %s", p.ExpectedAmountUusdc)
	}
}

func TestDeriveParams_ExpectedAmountAlreadySuffixedIsNotDoubled(t *testing.T) {
	flow := &models.Flow{Metadata: models.FlowMetadata{AmountBaseUnits: "100000uusdc"}}
	p := DeriveParams(flow)
	if p.ExpectedAmountUusdc != "100000uusdc" {
		t.Fatalf("expected no double suffix, got %s", p.ExpectedAmountUusdc)
	}
}

func TestDeriveParams_ExplicitExpectedAmountWins(t *testing.T) {
	flow := &models.Flow{Metadata: models.FlowMetadata{
		AmountBaseUnits:     "100000",
		ExpectedAmountUusdc: "999uusdc",
	}}
	p := DeriveParams(flow)
	if p.ExpectedAmountUusdc != "999uusdc" {
		t.Fatalf("expected explicit field to win over derivation, got %s", p.ExpectedAmountUusdc)
	}
}

func TestDestinationDomainInt_ParsesNumeric(t *testing.T) {
	p := FlowTrackingParams{DestinationDomain: "42"}
	v, ok := p.DestinationDomainInt()
	if !ok || v != 42 {
		t.Fatalf("expected 42, true; got %d, %v", v, ok)
	}
}

func TestDestinationDomainInt_EmptyIsNotOk(t *testing.T) {
	p := FlowTrackingParams{}
	if _, ok := p.DestinationDomainInt(); ok {
		t.Fatal("expected empty destination domain to be not-ok")
	}
}

func TestDestinationDomainInt_NonNumericIsNotOk(t *testing.T) {
	p := FlowTrackingParams{DestinationDomain: "not-a-number"}
	if _, ok := p.DestinationDomainInt(); ok {
		t.Fatal("expected non-numeric destination domain to be not-ok")
	}
}
