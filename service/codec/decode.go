package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/brojonat/dmtrace/service/trace"
	"github.com/gagliardetto/solana-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a batch frame is shorter than its declared length.
// Consumers see it when reading a file before its completion marker was emitted.
var ErrTruncated = errors.New("batch frame truncated")

// Unmarshal decodes a protobuf Batch message. Unknown fields are skipped.
func Unmarshal(data []byte) (*trace.Batch, error) {
	b := &trace.Batch{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case batchTransactions:
			tx, err := unmarshalTransaction(v)
			if err != nil {
				return fmt.Errorf("transaction %d: %w", len(b.Transactions), err)
			}
			b.Transactions = append(b.Transactions, tx)
		case batchNumber:
			b.Number = u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ReadFrame reads one length-prefixed message from the whole of r.
func ReadFrame(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrTruncated
	}
	size, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, fmt.Errorf("%w: bad length prefix", ErrTruncated)
	}
	rest := data[n:]
	if uint64(len(rest)) < size {
		return nil, fmt.Errorf("%w: have %d of %d bytes", ErrTruncated, len(rest), size)
	}
	if uint64(len(rest)) > size {
		return nil, fmt.Errorf("unexpected %d trailing bytes after batch frame", uint64(len(rest))-size)
	}
	return rest, nil
}

// ReadBatch reads and decodes a single framed batch from r.
func ReadBatch(r io.Reader) (*trace.Batch, error) {
	msg, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(msg)
}

func unmarshalTransaction(data []byte) (*trace.Transaction, error) {
	tx := &trace.Transaction{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case txID:
			tx.ID, err = solana.SignatureFromBase58(string(v))
		case txAdditionalSignatures:
			var sig solana.Signature
			sig, err = solana.SignatureFromBase58(string(v))
			tx.AdditionalSignatures = append(tx.AdditionalSignatures, sig)
		case txHeader:
			tx.Header, err = unmarshalHeader(v)
		case txAccountKeys:
			var key solana.PublicKey
			key, err = solana.PublicKeyFromBase58(string(v))
			tx.AccountKeys = append(tx.AccountKeys, key)
		case txRecentBlockhash:
			tx.RecentBlockhash, err = solana.HashFromBase58(string(v))
		case txInstructions:
			var inst *trace.Instruction
			inst, err = unmarshalInstruction(v)
			tx.Instructions = append(tx.Instructions, inst)
		case txLogMessages:
			tx.LogMessages = append(tx.LogMessages, string(v))
		}
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func unmarshalHeader(data []byte) (trace.MessageHeader, error) {
	var h trace.MessageHeader
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case hdrNumRequiredSignatures:
			h.NumRequiredSignatures = uint32(u)
		case hdrNumReadonlySignedAccounts:
			h.NumReadonlySignedAccounts = uint32(u)
		case hdrNumReadonlyUnsignedAccounts:
			h.NumReadonlyUnsignedAccounts = uint32(u)
		}
		return nil
	})
	return h, err
}

func unmarshalInstruction(data []byte) (*trace.Instruction, error) {
	inst := &trace.Instruction{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case instProgramID:
			inst.ProgramID, err = solana.PublicKeyFromBase58(string(v))
		case instAccountKeys:
			var key solana.PublicKey
			key, err = solana.PublicKeyFromBase58(string(v))
			inst.AccountKeys = append(inst.AccountKeys, key)
		case instData:
			inst.Data = append([]byte(nil), v...)
		case instOrdinal:
			inst.Ordinal = uint32(u)
		case instParentOrdinal:
			inst.ParentOrdinal = uint32(u)
		case instDepth:
			inst.Depth = uint32(u)
		case instBalanceChanges:
			var c trace.BalanceChange
			c, err = unmarshalBalanceChange(v)
			inst.BalanceChanges = append(inst.BalanceChanges, c)
		case instAccountChanges:
			var c trace.AccountChange
			c, err = unmarshalAccountChange(v)
			inst.AccountChanges = append(inst.AccountChanges, c)
		}
		if err != nil {
			return fmt.Errorf("instruction field %d: %w", num, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func unmarshalBalanceChange(data []byte) (trace.BalanceChange, error) {
	var c trace.BalanceChange
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case balPubkey:
			c.Account, err = solana.PublicKeyFromBase58(string(v))
		case balPrevLamports:
			c.PriorLamports = u
		case balNewLamports:
			c.NewLamports = u
		}
		return err
	})
	return c, err
}

func unmarshalAccountChange(data []byte) (trace.AccountChange, error) {
	var c trace.AccountChange
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		var err error
		switch num {
		case acctPubkey:
			c.Account, err = solana.PublicKeyFromBase58(string(v))
		case acctPrevData:
			c.PriorData = append([]byte(nil), v...)
		case acctNewData:
			c.NewData = append([]byte(nil), v...)
		case acctNewDataLength:
			c.NewDataLength = u
		}
		return err
	})
	return c, err
}

// walk iterates over the fields of one message. Length-delimited values are passed in v,
// varints in u; other wire types are skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[m:]
		case protowire.VarintType:
			u, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			data = data[m:]
		}
	}
	return nil
}
