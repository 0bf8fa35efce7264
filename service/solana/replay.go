package solana

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/brojonat/dmtrace/service/trace"
)

// ErrUnattributedBalanceChanges reports a transaction whose metadata carries lamport
// changes but which has no instruction frame to record them on.
var ErrUnattributedBalanceChanges = errors.New("balance changes without an instruction to attribute them to")

// Host is the recording API Replay drives. *recorder.Recorder implements it.
type Host interface {
	StartTransaction(signatures []solana.Signature, header trace.MessageHeader, accountKeys []solana.PublicKey, recentBlockhash solana.Hash) error
	StartInstruction(programID solana.PublicKey, accountKeys []solana.PublicKey, data []byte) trace.Frame
	EndInstruction() error
	RecordBalanceChange(account solana.PublicKey, prior, next uint64) error
	RecordLog(msg string)
	EndTransaction() error
}

// replayStep is one instruction invocation with its accounts resolved.
type replayStep struct {
	program  solana.PublicKey
	accounts []solana.PublicKey
	data     []byte
	depth    int
}

// Replay records a confirmed transaction through host as if it were executing.
//
// Top-level instructions open frames at depth 0 and their inner instructions nest
// according to the RPC stack height (depth 1 when the node does not report it).
// Lamport balance differences from the metadata are recorded on the first top-level
// instruction, and log messages are recorded in order. Every index is resolved before
// the first host call, so a malformed transaction records nothing. A transaction
// with no instructions but with balance changes is rejected with
// ErrUnattributedBalanceChanges rather than recorded without its fee debit.
func Replay(host Host, tx *solana.Transaction, meta *rpc.TransactionMeta) error {
	if tx == nil {
		return fmt.Errorf("replay: nil transaction")
	}
	keys := accountKeys(tx, meta)

	steps, err := plan(tx, meta, keys)
	if err != nil {
		return fmt.Errorf("replay %s: %w", firstSignature(tx), err)
	}
	changes, err := balanceChanges(meta, keys)
	if err != nil {
		return fmt.Errorf("replay %s: %w", firstSignature(tx), err)
	}
	if len(steps) == 0 && len(changes) > 0 {
		return fmt.Errorf("replay %s: %d changes: %w", firstSignature(tx), len(changes), ErrUnattributedBalanceChanges)
	}

	h := tx.Message.Header
	header := trace.MessageHeader{
		NumRequiredSignatures:       uint32(h.NumRequiredSignatures),
		NumReadonlySignedAccounts:   uint32(h.NumReadonlySignedAccounts),
		NumReadonlyUnsignedAccounts: uint32(h.NumReadonlyUnsignedAccounts),
	}
	if err := host.StartTransaction(tx.Signatures, header, keys, tx.Message.RecentBlockhash); err != nil {
		return err
	}

	open := 0
	for i, step := range steps {
		depth := min(step.depth, open)
		for open > depth {
			if err := host.EndInstruction(); err != nil {
				return err
			}
			open--
		}
		host.StartInstruction(step.program, step.accounts, step.data)
		open++

		if i == 0 {
			for _, c := range changes {
				if err := host.RecordBalanceChange(c.Account, c.PriorLamports, c.NewLamports); err != nil {
					return err
				}
			}
		}
	}
	for ; open > 0; open-- {
		if err := host.EndInstruction(); err != nil {
			return err
		}
	}

	if meta != nil {
		for _, msg := range meta.LogMessages {
			host.RecordLog(msg)
		}
	}
	return host.EndTransaction()
}

// accountKeys returns the static keys followed by the addresses loaded from lookup tables,
// writable first, which is the order instruction indices refer to.
func accountKeys(tx *solana.Transaction, meta *rpc.TransactionMeta) []solana.PublicKey {
	keys := append([]solana.PublicKey(nil), tx.Message.AccountKeys...)
	if meta != nil {
		keys = append(keys, meta.LoadedAddresses.Writable...)
		keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	}
	return keys
}

func plan(tx *solana.Transaction, meta *rpc.TransactionMeta, keys []solana.PublicKey) ([]replayStep, error) {
	inner := make(map[uint16][]rpc.CompiledInstruction)
	if meta != nil {
		for _, ii := range meta.InnerInstructions {
			if int(ii.Index) >= len(tx.Message.Instructions) {
				return nil, fmt.Errorf("inner instructions reference instruction %d of %d", ii.Index, len(tx.Message.Instructions))
			}
			inner[ii.Index] = append(inner[ii.Index], ii.Instructions...)
		}
	}

	var steps []replayStep
	for i, ci := range tx.Message.Instructions {
		step, err := resolve(keys, ci.ProgramIDIndex, ci.Accounts, ci.Data, 0)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		steps = append(steps, step)

		for j, in := range inner[uint16(i)] {
			depth := 1
			if in.StackHeight > 1 {
				depth = int(in.StackHeight) - 1
			}
			step, err := resolve(keys, in.ProgramIDIndex, in.Accounts, in.Data, depth)
			if err != nil {
				return nil, fmt.Errorf("instruction %d inner %d: %w", i, j, err)
			}
			steps = append(steps, step)
		}
	}
	return steps, nil
}

func resolve(keys []solana.PublicKey, programIndex uint16, accountIndexes []uint16, data []byte, depth int) (replayStep, error) {
	if int(programIndex) >= len(keys) {
		return replayStep{}, fmt.Errorf("program index %d out of range (%d keys)", programIndex, len(keys))
	}
	step := replayStep{
		program: keys[programIndex],
		data:    data,
		depth:   depth,
	}
	for _, idx := range accountIndexes {
		if int(idx) >= len(keys) {
			return replayStep{}, fmt.Errorf("account index %d out of range (%d keys)", idx, len(keys))
		}
		step.accounts = append(step.accounts, keys[idx])
	}
	return step, nil
}

func balanceChanges(meta *rpc.TransactionMeta, keys []solana.PublicKey) ([]trace.BalanceChange, error) {
	if meta == nil {
		return nil, nil
	}
	if len(meta.PreBalances) != len(meta.PostBalances) {
		return nil, fmt.Errorf("pre/post balance count mismatch: %d vs %d", len(meta.PreBalances), len(meta.PostBalances))
	}
	if len(meta.PreBalances) > len(keys) {
		return nil, fmt.Errorf("%d balances for %d keys", len(meta.PreBalances), len(keys))
	}

	var changes []trace.BalanceChange
	for i, pre := range meta.PreBalances {
		post := meta.PostBalances[i]
		if pre == post {
			continue
		}
		changes = append(changes, trace.BalanceChange{Account: keys[i], PriorLamports: pre, NewLamports: post})
	}
	return changes, nil
}

func firstSignature(tx *solana.Transaction) string {
	if len(tx.Signatures) == 0 {
		return "(unsigned)"
	}
	return tx.Signatures[0].String()
}
