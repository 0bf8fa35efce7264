package codec

import (
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/brojonat/dmtrace/service/trace"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize is the largest message protobuf readers accept.
const MaxMessageSize = math.MaxInt32

// ErrMessageTooLarge is returned when an encoded message exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds protobuf size limit")

// ErrInvalidUTF8 is returned when a string field holds bytes proto3 readers reject.
var ErrInvalidUTF8 = errors.New("string field is not valid UTF-8")

// Marshal encodes a batch as a protobuf Batch message.
func Marshal(b *trace.Batch) ([]byte, error) {
	var out []byte
	for i, tx := range b.Transactions {
		// Keys and signatures are base58; log messages are the only free-form strings.
		for j, line := range tx.LogMessages {
			if !utf8.ValidString(line) {
				return nil, fmt.Errorf("transaction %d (%s) log message %d: %w", i, tx.ID, j, ErrInvalidUTF8)
			}
		}
		msg := appendTransaction(nil, tx)
		if len(msg) > MaxMessageSize {
			return nil, fmt.Errorf("transaction %d (%s): %w", i, tx.ID, ErrMessageTooLarge)
		}
		out = appendMessage(out, batchTransactions, msg)
	}
	out = appendUint(out, batchNumber, b.Number)
	if len(out) > MaxMessageSize {
		return nil, fmt.Errorf("batch %d: %w", b.Number, ErrMessageTooLarge)
	}
	return out, nil
}

// WriteFrame writes the length-prefixed message to w and returns the bytes written.
func WriteFrame(w io.Writer, msg []byte) (int64, error) {
	prefix := protowire.AppendVarint(nil, uint64(len(msg)))
	n, err := w.Write(prefix)
	written := int64(n)
	if err != nil {
		return written, err
	}
	n, err = w.Write(msg)
	written += int64(n)
	if err != nil {
		return written, err
	}
	if n != len(msg) {
		return written, io.ErrShortWrite
	}
	return written, nil
}

// WriteBatch encodes b and writes it to w as a single frame.
func WriteBatch(w io.Writer, b *trace.Batch) (int64, error) {
	msg, err := Marshal(b)
	if err != nil {
		return 0, err
	}
	return WriteFrame(w, msg)
}

func appendTransaction(b []byte, tx *trace.Transaction) []byte {
	b = appendString(b, txID, tx.ID.String())
	for _, sig := range tx.AdditionalSignatures {
		b = appendString(b, txAdditionalSignatures, sig.String())
	}
	b = appendMessage(b, txHeader, appendHeader(nil, tx.Header))
	for _, key := range tx.AccountKeys {
		b = appendString(b, txAccountKeys, key.String())
	}
	b = appendString(b, txRecentBlockhash, tx.RecentBlockhash.String())
	for _, inst := range tx.Instructions {
		b = appendMessage(b, txInstructions, appendInstruction(nil, inst))
	}
	for _, msg := range tx.LogMessages {
		b = appendRepeatedString(b, txLogMessages, msg)
	}
	return b
}

func appendHeader(b []byte, h trace.MessageHeader) []byte {
	b = appendUint(b, hdrNumRequiredSignatures, uint64(h.NumRequiredSignatures))
	b = appendUint(b, hdrNumReadonlySignedAccounts, uint64(h.NumReadonlySignedAccounts))
	b = appendUint(b, hdrNumReadonlyUnsignedAccounts, uint64(h.NumReadonlyUnsignedAccounts))
	return b
}

func appendInstruction(b []byte, inst *trace.Instruction) []byte {
	b = appendString(b, instProgramID, inst.ProgramID.String())
	for _, key := range inst.AccountKeys {
		b = appendString(b, instAccountKeys, key.String())
	}
	if len(inst.Data) > 0 {
		b = protowire.AppendTag(b, instData, protowire.BytesType)
		b = protowire.AppendBytes(b, inst.Data)
	}
	b = appendUint(b, instOrdinal, uint64(inst.Ordinal))
	b = appendUint(b, instParentOrdinal, uint64(inst.ParentOrdinal))
	b = appendUint(b, instDepth, uint64(inst.Depth))
	for _, c := range inst.BalanceChanges {
		b = appendMessage(b, instBalanceChanges, appendBalanceChange(nil, c))
	}
	for _, c := range inst.AccountChanges {
		b = appendMessage(b, instAccountChanges, appendAccountChange(nil, c))
	}
	return b
}

func appendBalanceChange(b []byte, c trace.BalanceChange) []byte {
	b = appendString(b, balPubkey, c.Account.String())
	b = appendUint(b, balPrevLamports, c.PriorLamports)
	b = appendUint(b, balNewLamports, c.NewLamports)
	return b
}

func appendAccountChange(b []byte, c trace.AccountChange) []byte {
	b = appendString(b, acctPubkey, c.Account.String())
	if len(c.PriorData) > 0 {
		b = protowire.AppendTag(b, acctPrevData, protowire.BytesType)
		b = protowire.AppendBytes(b, c.PriorData)
	}
	if len(c.NewData) > 0 {
		b = protowire.AppendTag(b, acctNewData, protowire.BytesType)
		b = protowire.AppendBytes(b, c.NewData)
	}
	b = appendUint(b, acctNewDataLength, c.NewDataLength)
	return b
}

// appendMessage writes an embedded message. Empty messages are still written so that
// singular fields such as the header are present on the wire.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendRepeatedString keeps empty elements so list positions survive a round trip.
func appendRepeatedString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendUint omits zero values, matching proto3 scalar encoding.
func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
