package errors

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcDataError struct {
	msg  string
	data interface{}
}

func (e *rpcDataError) Error() string          { return e.msg }
func (e *rpcDataError) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
}

func TestAlreadyProcessedClassifier(t *testing.T) {
	classify := AlreadyProcessedClassifier()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "nonce already used", err: errors.New("execution reverted: nonce already used"), want: true},
		{name: "case insensitive", err: errors.New("Execution Reverted: Message Already Received"), want: true},
		{name: "already processed", err: errors.New("already processed"), want: true},
		{name: "wrapped", err: fmt.Errorf("submit finalize: %w", errors.New("nonce already used")), want: true},
		{name: "unrelated revert", err: errors.New("execution reverted: invalid attestation"), want: false},
		{name: "insufficient funds", err: errors.New("insufficient funds for gas * price + value"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestAlreadyProcessedClassifier_DecodesRevertData(t *testing.T) {
	classify := AlreadyProcessedClassifier()

	hexErr := &rpcDataError{msg: "execution reverted", data: hexutil.Encode(revertData(t, "Nonce already used"))}
	assert.True(t, classify(hexErr))

	rawErr := &rpcDataError{msg: "execution reverted", data: revertData(t, "Invalid signature")}
	assert.False(t, classify(rawErr))

	reason, ok := RevertReason(fmt.Errorf("estimate gas: %w", hexErr))
	require.True(t, ok)
	assert.Equal(t, "Nonce already used", reason)

	_, ok = RevertReason(&rpcDataError{msg: "x", data: "not-hex"})
	assert.False(t, ok)
}

func TestPatternClassifier_Custom(t *testing.T) {
	classify := PatternClassifier(regexp.MustCompile(`(?i)message expired`))
	assert.True(t, classify(errors.New("Message Expired")))
	assert.False(t, classify(errors.New("nonce already used")))
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  ErrorCategory
		retryable bool
		status    int
	}{
		{
			name:      "not available",
			err:       NewNotAvailableError("attestation"),
			category:  CategoryNotAvailable,
			retryable: true,
			status:    http.StatusNotFound,
		},
		{
			name:      "rate limit",
			err:       NewRateLimitError("iris", 10),
			category:  CategoryRateLimit,
			retryable: true,
			status:    http.StatusTooManyRequests,
		},
		{
			name:      "transient wrapped",
			err:       fmt.Errorf("poll: %w", NewTransientError("iris query", errors.New("HTTP 503"))),
			category:  CategoryTransient,
			retryable: true,
			status:    http.StatusBadGateway,
		},
		{
			name:     "already processed",
			err:      NewAlreadyProcessedError(errors.New("nonce already used")),
			category: CategoryAlreadyProcessed,
			status:   http.StatusConflict,
		},
		{
			name:     "terminal",
			err:      NewTerminalError(12, nil),
			category: CategoryTerminal,
			status:   http.StatusUnprocessableEntity,
		},
		{
			name:      "plain error",
			err:       errors.New("dial tcp: connection refused"),
			category:  CategoryTransient,
			retryable: true,
			status:    http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, Categorize(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.status, StatusCode(tt.err))
		})
	}
}

func TestCategorizedError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewDatabaseError("update job", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "DATABASE_ERROR: database error during update job (caused by: connection reset)", err.Error())
}
