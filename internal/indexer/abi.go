package indexer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// messagePaidSignature is the canonical Solidity event signature the vault
// contract emits per spec §4.F: MessagePaid(address indexed payer, address
// indexed recipient, uint256 amount, uint256 fee, bytes32 contentHash,
// uint256 nonce, string channel).
const messagePaidSignature = "MessagePaid(address,address,uint256,uint256,bytes32,uint256,string)"

// messagePaidTopic is topic0 for the event above.
var messagePaidTopic = crypto.Keccak256Hash([]byte(messagePaidSignature))

// messagePaidDataArgs describes the non-indexed fields packed into a log's
// Data, in declaration order, for abi.Arguments.Unpack.
var messagePaidDataArgs = mustDataArgs()

func mustDataArgs() abi.Arguments {
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	stringTy, _ := abi.NewType("string", "", nil)
	return abi.Arguments{
		{Name: "amount", Type: uint256Ty},
		{Name: "fee", Type: uint256Ty},
		{Name: "contentHash", Type: bytes32Ty},
		{Name: "nonce", Type: uint256Ty},
		{Name: "channel", Type: stringTy},
	}
}

// decodedMessagePaid is the Go-native view of one MessagePaid log.
type decodedMessagePaid struct {
	Payer       common.Address
	Recipient   common.Address
	Amount      *big.Int
	Fee         *big.Int
	ContentHash [32]byte
	Nonce       *big.Int
	Channel     string
}

// decodeMessagePaid unpacks a raw log known to match messagePaidTopic.
func decodeMessagePaid(topics []common.Hash, data []byte) (*decodedMessagePaid, error) {
	m := make(map[string]interface{}, len(messagePaidDataArgs))
	if err := messagePaidDataArgs.UnpackIntoMap(m, data); err != nil {
		return nil, err
	}

	d := &decodedMessagePaid{
		Payer:     common.BytesToAddress(topics[1].Bytes()),
		Recipient: common.BytesToAddress(topics[2].Bytes()),
	}
	d.Amount = m["amount"].(*big.Int)
	d.Fee = m["fee"].(*big.Int)
	contentHash := m["contentHash"].([32]byte)
	d.ContentHash = contentHash
	d.Nonce = m["nonce"].(*big.Int)
	d.Channel = m["channel"].(string)
	return d, nil
}
