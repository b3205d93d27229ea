package adapter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/cctp-relayer/internal/logging"
	"github.com/cctp-relayer/internal/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

const (
	gatewayAddr  = "0x1111111111111111111111111111111111111111"
	executorAddr = "0x2222222222222222222222222222222222222222"
)

// fakeBackend serves the RPC calls the adapter makes. Unused methods of the
// embedded interface panic.
type fakeBackend struct {
	bind.ContractBackend

	mu          sync.Mutex
	head        uint64
	headErrs    []error
	headCalls   int
	logs        []types.Log
	lastQuery   ethereum.FilterQuery
	receipts    map[common.Hash]*types.Receipt
	estimateErr error
	sent        []*types.Transaction
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	if len(f.headErrs) > 0 {
		err := f.headErrs[0]
		f.headErrs = f.headErrs[1:]
		return 0, err
	}
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return f.logs, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(int64(f.head)), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 150_000, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func newTestAdapter(t *testing.T, role models.ChainRole, backend *fakeBackend, withKey bool) *EthereumAdapter {
	t.Helper()
	cfg := &EthereumAdapterConfig{Role: role, Logger: logging.NewNopLogger()}
	if withKey {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		cfg.PrivateKey = hexutil.Encode(crypto.FromECDSA(key))
	}
	a, err := NewEthereumAdapterWithBackend(context.Background(), cfg, backend)
	require.NoError(t, err)
	return a
}

func depositLog(t *testing.T, txHash common.Hash, block uint64, index uint) types.Log {
	t.Helper()
	event := L2GatewayABI.Events[EventDepositInitiated]
	data, err := event.Inputs.NonIndexed().Pack(
		big.NewInt(1_000_000),
		uint32(0),
		[32]byte{0xaa},
		[32]byte{},
		uint32(1000),
		big.NewInt(500),
		uint64(42),
		[32]byte{0xbb},
	)
	require.NoError(t, err)

	return types.Log{
		Address: common.HexToAddress(gatewayAddr),
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(common.HexToAddress("0x3333333333333333333333333333333333333333").Bytes()),
			common.BytesToHash(common.HexToAddress("0x4444444444444444444444444444444444444444").Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       index,
	}
}

func TestEthereumAdapter_HeadBlockRetriesTransientErrors(t *testing.T) {
	backend := &fakeBackend{head: 120, headErrs: []error{errors.New("503 Service Unavailable")}}
	a := newTestAdapter(t, models.ChainL2, backend, false)

	head, err := a.HeadBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(120), head)
	assert.Equal(t, 2, backend.headCalls)
}

func TestEthereumAdapter_HeadBlockDoesNotRetryPermanentErrors(t *testing.T) {
	backend := &fakeBackend{headErrs: []error{errors.New("invalid params")}}
	a := newTestAdapter(t, models.ChainL2, backend, false)

	_, err := a.HeadBlock(context.Background())
	require.Error(t, err)

	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, models.ChainL2, adapterErr.Chain)
	assert.Equal(t, "HeadBlock", adapterErr.Op)
	assert.Equal(t, 1, backend.headCalls)
}

func TestEthereumAdapter_FilterSourceEvents(t *testing.T) {
	removed := depositLog(t, common.HexToHash("0x02"), 105, 0)
	removed.Removed = true
	backend := &fakeBackend{logs: []types.Log{
		depositLog(t, common.HexToHash("0x01"), 101, 3),
		removed,
	}}
	a := newTestAdapter(t, models.ChainL2, backend, false)

	events, err := a.FilterSourceEvents(context.Background(), models.JobKindDeposit, gatewayAddr, 100, 110)
	require.NoError(t, err)
	require.Len(t, events, 1, "removed logs are skipped")

	ev := events[0]
	assert.Equal(t, common.HexToHash("0x01").Hex(), ev.TxHash)
	assert.Equal(t, uint64(101), ev.BlockNumber)
	assert.Equal(t, uint(3), ev.LogIndex)

	decoded, ok := ev.Event.(*DepositInitiated)
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), decoded.DepositorL2)
	assert.Equal(t, common.HexToAddress("0x4444444444444444444444444444444444444444"), decoded.OwnerL1)
	assert.Equal(t, int64(1_000_000), decoded.Amount.Int64())
	assert.Equal(t, uint64(42), decoded.ClientNonce)
	assert.Equal(t, uint32(1000), decoded.MinFinalityThreshold)

	q := backend.lastQuery
	assert.Equal(t, int64(100), q.FromBlock.Int64())
	assert.Equal(t, int64(110), q.ToBlock.Int64())
	assert.Equal(t, []common.Address{common.HexToAddress(gatewayAddr)}, q.Addresses)
	assert.Equal(t, L2GatewayABI.Events[EventDepositInitiated].ID, q.Topics[0][0])
}

func TestEthereumAdapter_FilterSourceEventsRejectsBadInput(t *testing.T) {
	a := newTestAdapter(t, models.ChainL2, &fakeBackend{}, false)
	ctx := context.Background()

	_, err := a.FilterSourceEvents(ctx, models.JobKindWithdraw, gatewayAddr, 1, 2)
	assert.ErrorIs(t, err, ErrWrongChain)

	_, err = a.FilterSourceEvents(ctx, models.JobKindDeposit, "gateway", 1, 2)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = a.FilterSourceEvents(ctx, models.JobKindDeposit, gatewayAddr, 5, 2)
	assert.ErrorIs(t, err, ErrInvalidBlockRange)
}

func TestEthereumAdapter_SubmitRelay(t *testing.T) {
	backend := &fakeBackend{head: 10}
	a := newTestAdapter(t, models.ChainL1, backend, true)

	txHash, err := a.SubmitRelay(context.Background(), models.JobKindDeposit, executorAddr, []byte{0x01}, []byte{0x02})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), txHash)
	assert.Equal(t, common.HexToAddress(executorAddr), *tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())

	want, err := PackRelayCall(models.JobKindDeposit, []byte{0x01}, []byte{0x02})
	require.NoError(t, err)
	assert.Equal(t, want, tx.Data())
	assert.Equal(t, L1ExecutorABI.Methods[MethodFinalize].ID, tx.Data()[:4])
}

func TestEthereumAdapter_SubmitRelayErrors(t *testing.T) {
	ctx := context.Background()

	readOnly := newTestAdapter(t, models.ChainL1, &fakeBackend{}, false)
	_, err := readOnly.SubmitRelay(ctx, models.JobKindDeposit, executorAddr, nil, nil)
	assert.ErrorIs(t, err, ErrNoSigner)

	l2 := newTestAdapter(t, models.ChainL2, &fakeBackend{}, true)
	_, err = l2.SubmitRelay(ctx, models.JobKindDeposit, executorAddr, nil, nil)
	assert.ErrorIs(t, err, ErrWrongChain)

	backend := &fakeBackend{estimateErr: errors.New("execution reverted: Nonce already used")}
	l1 := newTestAdapter(t, models.ChainL1, backend, true)
	_, err = l1.SubmitRelay(ctx, models.JobKindDeposit, executorAddr, []byte{0x01}, []byte{0x02})
	require.Error(t, err)
	assert.True(t, relayerrors.AlreadyProcessedClassifier()(err), "revert text survives the adapter wrapping")
	assert.Empty(t, backend.sent)
}

func TestEthereumAdapter_TransactionReceipt(t *testing.T) {
	mined := common.HexToHash("0xabc")
	backend := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		mined: {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(88), GasUsed: 21000},
	}}
	a := newTestAdapter(t, models.ChainL1, backend, false)
	ctx := context.Background()

	receipt, err := a.TransactionReceipt(ctx, mined.Hex())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, uint64(88), receipt.BlockNumber)

	pending, err := a.TransactionReceipt(ctx, common.HexToHash("0xdef").Hex())
	require.NoError(t, err)
	assert.Nil(t, pending, "not yet mined")

	_, err = a.TransactionReceipt(ctx, "0x1234")
	assert.Error(t, err)
}

func TestIsRetryableRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("execution reverted"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableRPCError(tt.err), "%v", tt.err)
	}
}
