// Package status holds the error vocabulary shared by the wallet session and
// the mint controller. Every failure that leaves either component is reduced to
// one Kind so the presentation layer only has to understand a small set of
// outcomes.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// Kind classifies a failure.
type Kind string

const (
	None                Kind = ""
	NoProvider          Kind = "no_provider"
	ProviderInitFailed  Kind = "provider_init_failed"
	UserRejected        Kind = "user_rejected"
	NotConnected        Kind = "not_connected"
	InvalidInput        Kind = "invalid_input"
	MetadataUnreachable Kind = "metadata_unreachable"
	TransactionReverted Kind = "transaction_reverted"
	WalletDisconnected  Kind = "wallet_disconnected"
	ConfirmationTimeout Kind = "confirmation_timeout"
	UnknownFault        Kind = "unknown_fault"
)

// CodeUserRejected is the EIP-1193 provider error code for a declined request.
const CodeUserRejected = 4001

// ErrUserRejected is returned by in-process providers when the user declines.
var ErrUserRejected = errors.New("user rejected the request")

// IsFault reports whether the kind is a system fault worth error-level logging.
// Declines, disconnects and bad input are ordinary outcomes.
func (k Kind) IsFault() bool {
	switch k {
	case None, UserRejected, WalletDisconnected, NotConnected, InvalidInput, NoProvider:
		return false
	default:
		return true
	}
}

// Message is the status line shown to the user.
func (k Kind) Message() string {
	switch k {
	case None:
		return ""
	case NoProvider:
		return "No wallet provider found. Install a wallet to continue."
	case ProviderInitFailed:
		return "Could not read the wallet state."
	case UserRejected:
		return "Request rejected in the wallet."
	case NotConnected:
		return "Please connect your wallet first"
	case InvalidInput:
		return "Please enter a valid token URI"
	case MetadataUnreachable:
		return "Invalid Token URI: Unable to fetch metadata"
	case TransactionReverted:
		return "Transaction failed"
	case WalletDisconnected:
		return "Wallet disconnected before the mint completed"
	case ConfirmationTimeout:
		return "Timed out waiting for confirmation"
	default:
		return "Unknown error occurred"
	}
}

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

// New wraps err with kind. A nil err yields an error whose text is the kind itself.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Errors that already carry a Kind keep it; provider
// rejections are recognised by sentinel or by EIP-1193 code; everything else is
// UnknownFault.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var kerr *Error
	if errors.As(err, &kerr) && kerr.Kind != None {
		return kerr.Kind
	}
	if IsUserRejection(err) {
		return UserRejected
	}
	return UnknownFault
}

// IsUserRejection reports whether err means the user declined a wallet prompt.
func IsUserRejection(err error) bool {
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == CodeUserRejected {
		return true
	}
	return false
}

// Classify returns the kind of err, mapping an expired deadline to timeout.
// Used where a caller-imposed deadline is the only source of DeadlineExceeded.
func Classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		if k := KindOf(err); k != UnknownFault {
			return k
		}
		return ConfirmationTimeout
	}
	return KindOf(err)
}
