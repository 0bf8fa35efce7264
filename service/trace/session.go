package trace

import (
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
)

// Session records one transaction. It is owned by a single engine thread.
// Instructions form an arena indexed by ordinal-1; the call stack only holds ordinals,
// so changes are attributed to whichever frame is on top by index lookup.
type Session struct {
	tx    *Transaction
	stack CallStack
	err   error
}

// NewSession starts recording a transaction. The first signature is the transaction ID.
func NewSession(signatures []solana.Signature, header MessageHeader, accountKeys []solana.PublicKey, recentBlockhash solana.Hash) (*Session, error) {
	if len(signatures) == 0 {
		return nil, &ProtocolError{Kind: EmptySignatureList, Detail: "start transaction requires at least one signature"}
	}
	return &Session{
		tx: &Transaction{
			ID:                   signatures[0],
			AdditionalSignatures: append([]solana.Signature(nil), signatures[1:]...),
			Header:               header,
			AccountKeys:          append([]solana.PublicKey(nil), accountKeys...),
			RecentBlockhash:      recentBlockhash,
		},
	}, nil
}

// Transaction returns the trace being recorded.
func (s *Session) Transaction() *Transaction {
	return s.tx
}

// Err returns the first protocol error seen by this session. A session with an error is
// quarantined: it keeps recording but is excluded from the flushed batch.
func (s *Session) Err() error {
	return s.err
}

// OpenFrames is the number of instructions started but not yet ended.
func (s *Session) OpenFrames() int {
	return s.stack.Len()
}

// StartInstruction opens a new frame. Account keys and data are copied.
func (s *Session) StartInstruction(programID solana.PublicKey, accountKeys []solana.PublicKey, data []byte) Frame {
	f := s.stack.Open()
	s.tx.Instructions = append(s.tx.Instructions, &Instruction{
		Ordinal:       f.Ordinal,
		ParentOrdinal: f.ParentOrdinal,
		Depth:         f.Depth,
		ProgramID:     programID,
		AccountKeys:   append([]solana.PublicKey(nil), accountKeys...),
		Data:          append([]byte(nil), data...),
	})
	return f
}

// EndInstruction closes the innermost open frame. The frame stays in the trace.
func (s *Session) EndInstruction() (uint32, error) {
	ordinal, err := s.stack.Close()
	if err != nil {
		return 0, s.poison(err)
	}
	return ordinal, nil
}

// RecordAccountChange appends an account data change to the active instruction.
// Both payloads are copied before returning.
func (s *Session) RecordAccountChange(account solana.PublicKey, prior, next []byte) (uint32, error) {
	inst, err := s.active("account change")
	if err != nil {
		return 0, err
	}
	inst.AccountChanges = append(inst.AccountChanges, AccountChange{
		Account:       account,
		PriorData:     append([]byte(nil), prior...),
		NewData:       append([]byte(nil), next...),
		NewDataLength: uint64(len(next)),
	})
	return inst.Ordinal, nil
}

// RecordBalanceChange appends a lamport balance change to the active instruction.
func (s *Session) RecordBalanceChange(account solana.PublicKey, prior, next uint64) (uint32, error) {
	inst, err := s.active("balance change")
	if err != nil {
		return 0, err
	}
	inst.BalanceChanges = append(inst.BalanceChanges, BalanceChange{
		Account:       account,
		PriorLamports: prior,
		NewLamports:   next,
	})
	return inst.Ordinal, nil
}

// RecordLog appends a log message to the transaction. A message that is not valid
// UTF-8 cannot be encoded, so it is dropped and the transaction is poisoned.
func (s *Session) RecordLog(msg string) error {
	if !utf8.ValidString(msg) {
		return s.poison(&ProtocolError{
			Kind:   InvalidLogMessage,
			Detail: fmt.Sprintf("log message %d is not valid UTF-8", len(s.tx.LogMessages)),
		})
	}
	s.tx.LogMessages = append(s.tx.LogMessages, msg)
	return nil
}

// Finish checks that every instruction was ended. Unclosed frames are reported
// but do not quarantine the transaction: every frame already has its position.
func (s *Session) Finish() error {
	if n := s.stack.Len(); n > 0 {
		return &ProtocolError{
			Kind:        UnclosedFrames,
			Transaction: s.tx.ID,
			Detail:      fmt.Sprintf("%d instruction(s) still open", n),
		}
	}
	return nil
}

func (s *Session) active(what string) (*Instruction, error) {
	ordinal, ok := s.stack.Top()
	if !ok {
		return nil, s.poison(&ProtocolError{Kind: NoActiveInstruction, Detail: what + " recorded outside any instruction"})
	}
	return s.tx.Instructions[ordinal-1], nil
}

func (s *Session) poison(err error) error {
	if pe, ok := err.(*ProtocolError); ok && pe.Transaction == (solana.Signature{}) {
		pe.Transaction = s.tx.ID
	}
	if s.err == nil {
		s.err = err
	}
	return err
}
