package mint

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nftmint/internal/status"
)

// Phase is one step of the mint lifecycle. Phases only move forward within a
// request; Confirmed and Failed are terminal.
type Phase string

const (
	Idle               Phase = "idle"
	ValidatingMetadata Phase = "validating_metadata"
	AwaitingSignature  Phase = "awaiting_signature"
	Submitted          Phase = "submitted"
	Confirmed          Phase = "confirmed"
	Failed             Phase = "failed"
)

// Busy reports whether a request in this phase is still in flight.
func (p Phase) Busy() bool {
	switch p {
	case ValidatingMetadata, AwaitingSignature, Submitted:
		return true
	default:
		return false
	}
}

func (p Phase) Terminal() bool {
	return p == Confirmed || p == Failed
}

// order ranks phases so transitions can be checked for forward progress.
func (p Phase) order() int {
	switch p {
	case Idle:
		return 0
	case ValidatingMetadata:
		return 1
	case AwaitingSignature:
		return 2
	case Submitted:
		return 3
	case Confirmed, Failed:
		return 4
	default:
		return -1
	}
}

// Message is the status line for a request in this phase.
func (p Phase) Message() string {
	switch p {
	case ValidatingMetadata:
		return "Validating metadata..."
	case AwaitingSignature:
		return "Please confirm the transaction in your wallet..."
	case Submitted:
		return "Transaction submitted. Waiting for confirmation..."
	case Confirmed:
		return "NFT Minted Successfully!"
	default:
		return ""
	}
}

// Request is a snapshot of the live mint.
type Request struct {
	TokenURI  string
	Phase     Phase
	TxHash    string
	TokenID   *big.Int
	Error     status.Kind
	Account   common.Address
	StartedAt time.Time
	UpdatedAt time.Time
}

// StatusMessage renders the request for display.
func (r Request) StatusMessage() string {
	if r.Phase == Failed {
		return "Failed to mint NFT: " + r.Error.Message()
	}
	return r.Phase.Message()
}

func (r Request) clone() Request {
	out := r
	if r.TokenID != nil {
		out.TokenID = new(big.Int).Set(r.TokenID)
	}
	return out
}
