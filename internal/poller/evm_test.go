package poller

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

func TestMatchesAmount_EqualValueMatches(t *testing.T) {
	l := gethtypes.Log{Data: big.NewInt(100000).Bytes()}
	if !matchesAmount(l, big.NewInt(100000)) {
		t.Fatal("expected equal amounts to match")
	}
}

func TestMatchesAmount_DifferentValueDoesNotMatch(t *testing.T) {
	l := gethtypes.Log{Data: big.NewInt(1).Bytes()}
	if matchesAmount(l, big.NewInt(100000)) {
		t.Fatal("expected different amounts not to match")
	}
}

func TestMatchesAmount_EmptyDataNeverMatches(t *testing.T) {
	l := gethtypes.Log{}
	if matchesAmount(l, big.NewInt(0)) {
		t.Fatal("expected empty log data never to match, even a zero expectation")
	}
}

func TestPad32Address_LeftPadsTo32Bytes(t *testing.T) {
	addr := common.HexToAddress("0x000000000000000000000000000000000000aa")
	h := pad32Address(addr)
	for i := 0; i < 12; i++ {
		if h[i] != 0 {
			t.Fatalf("expected the first 12 bytes to be zero padding, byte %d was %x", i, h[i])
		}
	}
	if h[31] != 0xaa {
		t.Fatalf("expected the address's last byte preserved, got %x", h[31])
	}
}
