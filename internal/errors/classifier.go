package errors

import (
	"errors"
	"regexp"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Classifier reports whether a destination-chain failure means the message
// was already consumed by someone else.
type Classifier func(err error) bool

// alreadyProcessedPattern matches the revert reasons of the message
// transmitter and executor when a message was already consumed. Revert
// strings are not a stable interface across client versions.
var alreadyProcessedPattern = regexp.MustCompile(`(?i)already processed|already received|nonce already used`)

// PatternClassifier matches the error text and, when present, the decoded
// revert reason against pattern.
func PatternClassifier(pattern *regexp.Regexp) Classifier {
	return func(err error) bool {
		if err == nil {
			return false
		}
		if pattern.MatchString(err.Error()) {
			return true
		}
		if reason, ok := RevertReason(err); ok {
			return pattern.MatchString(reason)
		}
		return false
	}
}

// AlreadyProcessedClassifier is the default Classifier
func AlreadyProcessedClassifier() Classifier {
	return PatternClassifier(alreadyProcessedPattern)
}

// dataError is implemented by go-ethereum rpc errors that carry revert data
type dataError interface {
	Error() string
	ErrorData() interface{}
}

// RevertReason decodes an Error(string) revert payload carried by an RPC error
func RevertReason(err error) (string, bool) {
	var de dataError
	if !errors.As(err, &de) {
		return "", false
	}

	var data []byte
	switch v := de.ErrorData().(type) {
	case string:
		decoded, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return "", false
		}
		data = decoded
	case []byte:
		data = v
	default:
		return "", false
	}

	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return "", false
	}
	return reason, true
}
