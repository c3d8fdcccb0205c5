package solana

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	signatureLength = 64
	pubkeyLength    = 32
	versionPrefix   = 0x80
)

var errShortTransaction = errors.New("transaction truncated")

// SignTransaction signs a base64 wire transaction (legacy or versioned) with kp
// and returns the signed transaction in base64 plus the transaction ID, which
// is the base58 encoding of its first signature.
func SignTransaction(txBase64 string, kp *Keypair) (signed string, txID string, err error) {
	tx, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	numSigs, n, err := decodeShortVec(tx)
	if err != nil {
		return "", "", err
	}
	sigStart := n
	msgStart := sigStart + numSigs*signatureLength
	if numSigs == 0 || len(tx) < msgStart {
		return "", "", fmt.Errorf("invalid signature section: %w", errShortTransaction)
	}
	message := tx[msgStart:]

	idx, err := signerIndex(message, kp.PublicKeyBytes())
	if err != nil {
		return "", "", err
	}
	if idx >= numSigs {
		return "", "", fmt.Errorf("signer index %d outside %d signature slots", idx, numSigs)
	}

	sig := kp.Sign(message)
	slot := sigStart + idx*signatureLength
	copy(tx[slot:slot+signatureLength], sig)

	first := tx[sigStart : sigStart+signatureLength]
	return base64.StdEncoding.EncodeToString(tx), base58.Encode(first), nil
}

// signerIndex finds pubkey among the message's required signers.
func signerIndex(message, pubkey []byte) (int, error) {
	pos := 0
	if len(message) == 0 {
		return 0, errShortTransaction
	}
	if message[0]&versionPrefix != 0 {
		if v := message[0] &^ versionPrefix; v != 0 {
			return 0, fmt.Errorf("unsupported transaction version %d", v)
		}
		pos++
	}
	if len(message) < pos+3 {
		return 0, errShortTransaction
	}
	numRequired := int(message[pos])
	pos += 3

	numKeys, n, err := decodeShortVec(message[pos:])
	if err != nil {
		return 0, err
	}
	pos += n
	if len(message) < pos+numKeys*pubkeyLength {
		return 0, errShortTransaction
	}

	for i := 0; i < numKeys && i < numRequired; i++ {
		key := message[pos+i*pubkeyLength : pos+(i+1)*pubkeyLength]
		if bytes.Equal(key, pubkey) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("wallet %s is not a required signer", base58.Encode(pubkey))
}

// decodeShortVec decodes Solana's compact-u16 length prefix.
func decodeShortVec(b []byte) (value int, size int, err error) {
	for size < 3 {
		if size >= len(b) {
			return 0, 0, errShortTransaction
		}
		elem := int(b[size])
		value |= (elem & 0x7f) << (7 * size)
		size++
		if elem&0x80 == 0 {
			return value, size, nil
		}
	}
	return 0, 0, errors.New("compact-u16 length prefix too long")
}

// encodeShortVec encodes n as compact-u16.
func encodeShortVec(n int) []byte {
	var out []byte
	for {
		elem := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, elem)
		}
		out = append(out, elem|0x80)
	}
}
