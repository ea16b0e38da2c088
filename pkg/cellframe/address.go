// Package cellframe holds the wire-level rules for Cellframe wallet addresses and transaction hashes.
package cellframe

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

const (
	// AddressLength is the decoded size of a Cellframe address:
	// version(1) + net id(8) + signature type(4) + public key hash(32) + checksum(32)
	AddressLength = 77

	addressBodyLength = AddressLength - 32

	// TxHashLength is the decoded size of a transaction hash
	TxHashLength = 32
)

var (
	ErrInvalidAddress = errors.New("invalid cellframe address")
	ErrInvalidTxHash  = errors.New("invalid transaction hash")
)

// ValidateAddress decodes a base58 wallet address and checks its length and checksum
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != AddressLength {
		return fmt.Errorf("%w: decoded length %d, want %d", ErrInvalidAddress, len(raw), AddressLength)
	}

	sum := sha3.Sum256(raw[:addressBodyLength])
	if !bytes.Equal(sum[:], raw[addressBodyLength:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return nil
}

// ValidateTxHash trims a transaction id and, when it is 0x-prefixed, checks the rest is
// hex of at most 32 bytes. The id is otherwise returned as given, since the DNA proxy
// matches it verbatim. Ids without the prefix (queue ids from older dashboards) are
// only trimmed.
func ValidateTxHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTxHash)
	}
	if !strings.HasPrefix(hash, "0x") && !strings.HasPrefix(hash, "0X") {
		return hash, nil
	}

	digits := hash[2:]
	if digits == "" {
		return "", fmt.Errorf("%w: no digits after 0x", ErrInvalidTxHash)
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	raw, err := hexutil.Decode("0x" + digits)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTxHash, err)
	}
	if len(raw) > TxHashLength {
		return "", fmt.Errorf("%w: decoded length %d, want at most %d", ErrInvalidTxHash, len(raw), TxHashLength)
	}
	return hash, nil
}
