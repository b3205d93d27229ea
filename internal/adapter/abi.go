package adapter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cctp-relayer/internal/models"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event and method names bound by the relayer
const (
	EventDepositInitiated = "DepositInitiated"
	EventWithdrawExecuted = "WithdrawExecuted"
	MethodFinalize        = "finalize"
	MethodReceiveMessage  = "receiveMessage"
)

const l2GatewayABIJSON = `[{"type":"event","name":"DepositInitiated","anonymous":false,"inputs":[
	{"name":"depositorL2","type":"address","indexed":true},
	{"name":"amount","type":"uint256","indexed":false},
	{"name":"ownerL1","type":"address","indexed":true},
	{"name":"destinationDomain","type":"uint32","indexed":false},
	{"name":"mintRecipient","type":"bytes32","indexed":false},
	{"name":"destinationCaller","type":"bytes32","indexed":false},
	{"name":"minFinalityThreshold","type":"uint32","indexed":false},
	{"name":"maxFee","type":"uint256","indexed":false},
	{"name":"clientNonce","type":"uint64","indexed":false},
	{"name":"referralCode","type":"bytes32","indexed":false}]}]`

const l1WithdrawRouterABIJSON = `[{"type":"event","name":"WithdrawExecuted","anonymous":false,"inputs":[
	{"name":"intentDigest","type":"bytes32","indexed":true},
	{"name":"owner","type":"address","indexed":true},
	{"name":"receiver","type":"address","indexed":true},
	{"name":"shares","type":"uint256","indexed":false},
	{"name":"assetsBurnedGross","type":"uint256","indexed":false},
	{"name":"maxFee","type":"uint256","indexed":false},
	{"name":"minAssetsOut","type":"uint256","indexed":false},
	{"name":"dstDomain","type":"uint32","indexed":false},
	{"name":"minFinalityThreshold","type":"uint32","indexed":false},
	{"name":"destinationCaller","type":"bytes32","indexed":false}]}]`

const l1ExecutorABIJSON = `[{"type":"function","name":"finalize","stateMutability":"nonpayable",
	"inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],
	"outputs":[{"name":"shares","type":"uint256"}]}]`

const messageTransmitterV2ABIJSON = `[{"type":"function","name":"receiveMessage","stateMutability":"nonpayable",
	"inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],
	"outputs":[{"name":"","type":"bool"}]}]`

// Parsed contract ABIs
var (
	L2GatewayABI            = mustParseABI(l2GatewayABIJSON)
	L1WithdrawRouterABI     = mustParseABI(l1WithdrawRouterABIJSON)
	L1ExecutorABI           = mustParseABI(l1ExecutorABIJSON)
	MessageTransmitterV2ABI = mustParseABI(messageTransmitterV2ABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}

// DepositInitiated is emitted by the L2 gateway when a deposit burns on L2
type DepositInitiated struct {
	DepositorL2          common.Address
	Amount               *big.Int
	OwnerL1              common.Address
	DestinationDomain    uint32
	MintRecipient        [32]byte
	DestinationCaller    [32]byte
	MinFinalityThreshold uint32
	MaxFee               *big.Int
	ClientNonce          uint64
	ReferralCode         [32]byte
}

// WithdrawExecuted is emitted by the L1 withdraw router when a withdrawal burns on L1
type WithdrawExecuted struct {
	IntentDigest         [32]byte
	Owner                common.Address
	Receiver             common.Address
	Shares               *big.Int
	AssetsBurnedGross    *big.Int
	MaxFee               *big.Int
	MinAssetsOut         *big.Int
	DstDomain            uint32
	MinFinalityThreshold uint32
	DestinationCaller    [32]byte
}

// eventBinding ties a job kind to the event that opens it
type eventBinding struct {
	contract abi.ABI
	name     string
	newValue func() interface{}
}

// methodBinding ties a job kind to the destination call that completes it
type methodBinding struct {
	contract abi.ABI
	name     string
}

var sourceEvents = map[models.JobKind]eventBinding{
	models.JobKindDeposit: {
		contract: L2GatewayABI,
		name:     EventDepositInitiated,
		newValue: func() interface{} { return new(DepositInitiated) },
	},
	models.JobKindWithdraw: {
		contract: L1WithdrawRouterABI,
		name:     EventWithdrawExecuted,
		newValue: func() interface{} { return new(WithdrawExecuted) },
	},
}

var relayMethods = map[models.JobKind]methodBinding{
	models.JobKindDeposit:  {contract: L1ExecutorABI, name: MethodFinalize},
	models.JobKindWithdraw: {contract: MessageTransmitterV2ABI, name: MethodReceiveMessage},
}

// SourceEventTopic returns topic0 of the event that opens jobs of kind
func SourceEventTopic(kind models.JobKind) (common.Hash, error) {
	binding, ok := sourceEvents[kind]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return binding.contract.Events[binding.name].ID, nil
}

// RelayMethodName returns the destination method called for kind
func RelayMethodName(kind models.JobKind) (string, error) {
	binding, ok := relayMethods[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return binding.name, nil
}

// PackRelayCall returns the calldata of the destination call for kind
func PackRelayCall(kind models.JobKind, message, attestation []byte) ([]byte, error) {
	binding, ok := relayMethods[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return binding.contract.Pack(binding.name, message, attestation)
}

// DecodeSourceEvent decodes a raw log into the typed event for kind
func DecodeSourceEvent(kind models.JobKind, lg types.Log) (interface{}, error) {
	binding, ok := sourceEvents[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	event := binding.contract.Events[binding.name]
	if len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
		return nil, fmt.Errorf("log is not a %s event", binding.name)
	}

	out := binding.newValue()
	if len(lg.Data) > 0 {
		if err := binding.contract.UnpackIntoInterface(out, binding.name, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack %s data: %w", binding.name, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(out, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse %s topics: %w", binding.name, err)
	}
	return out, nil
}
