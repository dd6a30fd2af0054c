package wallet

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"nftmint/internal/status"
)

// ConnStatus is the connection phase of a session.
type ConnStatus string

const (
	Disconnected ConnStatus = "disconnected"
	Connecting   ConnStatus = "connecting"
	Connected    ConnStatus = "connected"
)

// State is a snapshot of the session. Account is non-nil only while Status is
// Connected.
type State struct {
	Account   *common.Address
	ChainID   *big.Int
	Status    ConnStatus
	LastError status.Kind
	Balance   *big.Int
}

func (s State) clone() State {
	out := State{Status: s.Status, LastError: s.LastError}
	if s.Account != nil {
		acc := *s.Account
		out.Account = &acc
	}
	if s.ChainID != nil {
		out.ChainID = new(big.Int).Set(s.ChainID)
	}
	if s.Balance != nil {
		out.Balance = new(big.Int).Set(s.Balance)
	}
	return out
}

// FormatEther renders a wei amount in ether with four decimals.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return ""
	}
	eth := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))
	return eth.Text('f', 4)
}
