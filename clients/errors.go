package clients

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError means the token contract rejected the call. Retrying the same
// authorization cannot succeed.
type RevertError struct {
	Reason string
}

const revertPrefix = "execution reverted"

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return revertPrefix
	}
	return revertPrefix + ": " + e.Reason
}

// ErrTxFailed is returned for a mined transaction with status 0.
var ErrTxFailed = errors.New("transaction failed on chain")

// IsPermanent reports whether err will not go away on retry.
func IsPermanent(err error) bool {
	var rev *RevertError
	return errors.As(err, &rev) || errors.Is(err, ErrTxFailed)
}

// classify turns JSON-RPC revert responses into *RevertError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) || strings.Contains(err.Error(), revertPrefix) {
		return fmt.Errorf("%s: %w", op, &RevertError{Reason: revertReason(err.Error())})
	}
	return fmt.Errorf("%s: %w", op, err)
}

// revertReason drops the node's "execution reverted" prefix so Error does not
// repeat it.
func revertReason(msg string) string {
	if i := strings.Index(msg, revertPrefix); i >= 0 {
		msg = msg[i+len(revertPrefix):]
	}
	return strings.TrimSpace(strings.TrimPrefix(msg, ":"))
}
