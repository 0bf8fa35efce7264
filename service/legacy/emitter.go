// Package legacy writes the line-oriented DMLOG diagnostic stream.
//
// Emission is gated by Emitter.Enabled, which is consulted on every call.
// The binary batch path is unaffected by this gate.
package legacy

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Line kinds.
const (
	KindTrxStart   = "TRX_START"
	KindInstStart  = "INST_S"
	KindInstEnd    = "INST_E"
	KindAcctChange = "ACCT_CHANGE"
	KindLampChange = "LAMP_CHANGE"
	KindLog        = "LOG"
)

const (
	linePrefix       = "DMLOG "
	emptyField       = "."
	keyListSeparator = ","
)

// Emitter writes legacy lines to Out when Enabled is set.
// The zero value is disabled.
type Emitter struct {
	Enabled bool
	Out     io.Writer
}

// Active reports whether lines are currently emitted.
func (e Emitter) Active() bool {
	return e.Enabled && e.Out != nil
}

// TrxStart: DMLOG TRX_START <id> <nsigs> <keys,...> <blockhash>
func (e Emitter) TrxStart(id solana.Signature, numSignatures int, accountKeys []solana.PublicKey, recentBlockhash solana.Hash) error {
	return e.emit(KindTrxStart, id.String(), fmt.Sprint(numSignatures), joinKeys(accountKeys), recentBlockhash.String())
}

// InstStart: DMLOG INST_S <ordinal> <parent> <depth> <program> <keys,...> <data base58>
func (e Emitter) InstStart(ordinal, parent, depth uint32, programID solana.PublicKey, accountKeys []solana.PublicKey, data []byte) error {
	return e.emit(KindInstStart,
		fmt.Sprint(ordinal), fmt.Sprint(parent), fmt.Sprint(depth),
		programID.String(), joinKeys(accountKeys), orEmpty(base58.Encode(data)))
}

// InstEnd: DMLOG INST_E <ordinal>
func (e Emitter) InstEnd(ordinal uint32) error {
	return e.emit(KindInstEnd, fmt.Sprint(ordinal))
}

// AccountChange: DMLOG ACCT_CHANGE <ordinal> <pubkey> <prev hex> <new hex> <new length>
func (e Emitter) AccountChange(ordinal uint32, account solana.PublicKey, prior, next []byte) error {
	return e.emit(KindAcctChange, fmt.Sprint(ordinal), account.String(),
		orEmpty(hex.EncodeToString(prior)), orEmpty(hex.EncodeToString(next)), fmt.Sprint(len(next)))
}

// BalanceChange: DMLOG LAMP_CHANGE <ordinal> <pubkey> <prev> <new>
func (e Emitter) BalanceChange(ordinal uint32, account solana.PublicKey, prior, next uint64) error {
	return e.emit(KindLampChange, fmt.Sprint(ordinal), account.String(), fmt.Sprint(prior), fmt.Sprint(next))
}

// Log: DMLOG LOG <message>. Line breaks inside the message are escaped.
func (e Emitter) Log(message string) error {
	return e.emit(KindLog, strings.NewReplacer("\\", `\\`, "\n", `\n`, "\r", `\r`).Replace(message))
}

func (e Emitter) emit(kind string, fields ...string) error {
	if !e.Active() {
		return nil
	}
	var b strings.Builder
	b.WriteString(linePrefix)
	b.WriteString(kind)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f)
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(e.Out, b.String()); err != nil {
		return fmt.Errorf("failed to write %s line: %w", kind, err)
	}
	return nil
}

func joinKeys(keys []solana.PublicKey) string {
	if len(keys) == 0 {
		return emptyField
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, keyListSeparator)
}

func orEmpty(s string) string {
	if s == "" {
		return emptyField
	}
	return s
}
