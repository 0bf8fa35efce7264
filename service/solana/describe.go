package solana

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
)

// MemoProgramIDLegacy is the v1 memo program, still seen in older transactions.
var MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// Describe summarizes a recorded instruction of a well-known program.
// accounts are the resolved instruction accounts. ok is false for other programs
// or when the data does not decode.
func Describe(programID solana.PublicKey, accounts []solana.PublicKey, data []byte) (summary string, ok bool) {
	switch {
	case programID.Equals(solana.SystemProgramID):
		return describeSystem(accounts, data)
	case programID.Equals(solana.TokenProgramID), programID.Equals(solana.Token2022ProgramID):
		return describeToken(accounts, data)
	case programID.Equals(solana.MemoProgramID), programID.Equals(MemoProgramIDLegacy):
		return "memo: " + parseMemo(data), true
	}
	return "", false
}

// describeSystem decodes a System Program Transfer.
// Data: [0..4] instruction type (u32), [4..12] lamports (u64). Accounts: [from, to].
func describeSystem(accounts []solana.PublicKey, data []byte) (string, bool) {
	if len(data) < 12 || binary.LittleEndian.Uint32(data[0:4]) != SystemProgramTransferInstruction {
		return "", false
	}
	lamports := binary.LittleEndian.Uint64(data[4:12])
	if len(accounts) < 2 {
		return fmt.Sprintf("system: transfer %d lamports", lamports), true
	}
	return fmt.Sprintf("system: transfer %d lamports from %s to %s", lamports, accounts[0], accounts[1]), true
}

// describeToken decodes SPL Token Transfer and TransferChecked.
func describeToken(accounts []solana.PublicKey, data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	switch data[0] {
	case TokenProgramTransferInstruction:
		// [0] type, [1..9] amount. Accounts: [source, destination, authority]
		if len(data) < 9 {
			return "", false
		}
		return fmt.Sprintf("token: transfer %d", binary.LittleEndian.Uint64(data[1:9])), true

	case TokenProgramTransferCheckedInstruction:
		// [0] type, [1..9] amount, [9] decimals. Accounts: [source, mint, destination, authority, ...]
		if len(data) < 10 {
			return "", false
		}
		amount := binary.LittleEndian.Uint64(data[1:9])
		decimals := data[9]
		if len(accounts) < 4 {
			return fmt.Sprintf("token: transfer_checked %d (decimals %d)", amount, decimals), true
		}
		return fmt.Sprintf("token: transfer_checked %d (decimals %d) mint %s authority %s",
			amount, decimals, accounts[1], accounts[3]), true
	}
	return "", false
}

// parseMemo returns the memo text. Base64 payloads that decode to text are decoded.
func parseMemo(data []byte) string {
	memo := string(data)
	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && isText(decoded) {
		return string(decoded)
	}
	return memo
}

func isText(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
