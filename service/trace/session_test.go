package trace

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sigA     = solana.Signature{0xA}
	sigB     = solana.Signature{0xB}
	key1     = solana.PublicKey{1}
	key2     = solana.PublicKey{2}
	progX    = solana.PublicKey{0xF1}
	progY    = solana.PublicKey{0xF2}
	testHash = solana.Hash{0xCC}
	header   = MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsignedAccounts: 1}
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession([]solana.Signature{sigA, sigB}, header, []solana.PublicKey{key1, key2}, testHash)
	require.NoError(t, err)
	return s
}

func TestNewSession(t *testing.T) {
	s := newTestSession(t)
	tx := s.Transaction()

	assert.Equal(t, sigA, tx.ID)
	assert.Equal(t, []solana.Signature{sigB}, tx.AdditionalSignatures)
	assert.Equal(t, header, tx.Header)
	assert.Equal(t, []solana.PublicKey{key1, key2}, tx.AccountKeys)
	assert.Equal(t, testHash, tx.RecentBlockhash)
	assert.Empty(t, tx.Instructions)
	assert.NoError(t, s.Err())
}

func TestNewSession_EmptySignatures(t *testing.T) {
	s, err := NewSession(nil, header, nil, testHash)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, ErrEmptySignatureList))
}

func TestSession_SingleInstructionBalanceChange(t *testing.T) {
	s := newTestSession(t)

	s.StartInstruction(progX, []solana.PublicKey{key1}, []byte{0xAA})
	ordinal, err := s.RecordBalanceChange(key1, 100, 80)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ordinal)
	_, err = s.EndInstruction()
	require.NoError(t, err)
	require.NoError(t, s.Finish())

	tx := s.Transaction()
	require.Len(t, tx.Instructions, 1)
	inst := tx.Instructions[0]
	assert.Equal(t, uint32(1), inst.Ordinal)
	assert.Equal(t, uint32(0), inst.ParentOrdinal)
	assert.Equal(t, uint32(0), inst.Depth)
	assert.Equal(t, progX, inst.ProgramID)
	assert.Equal(t, []byte{0xAA}, inst.Data)
	assert.Equal(t, []BalanceChange{{Account: key1, PriorLamports: 100, NewLamports: 80}}, inst.BalanceChanges)
}

func TestSession_NestedInstructions(t *testing.T) {
	s := newTestSession(t)

	s.StartInstruction(progX, []solana.PublicKey{key1}, nil)
	_, err := s.RecordBalanceChange(key1, 10, 5)
	require.NoError(t, err)

	inner := s.StartInstruction(progY, []solana.PublicKey{key2}, nil)
	assert.Equal(t, Frame{Ordinal: 2, ParentOrdinal: 1, Depth: 1}, inner)
	ordinal, err := s.RecordAccountChange(key2, []byte{1}, []byte{2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ordinal)
	_, err = s.EndInstruction()
	require.NoError(t, err)

	// Back in the outer frame: changes go to ordinal 1 again.
	ordinal, err = s.RecordBalanceChange(key1, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ordinal)
	_, err = s.EndInstruction()
	require.NoError(t, err)

	tx := s.Transaction()
	require.Len(t, tx.Instructions, 2)
	outer, in := tx.Instruction(1), tx.Instruction(2)
	assert.Len(t, outer.BalanceChanges, 2)
	assert.Empty(t, outer.AccountChanges)
	assert.Equal(t, uint32(1), in.ParentOrdinal)
	assert.Equal(t, uint32(1), in.Depth)
	require.Len(t, in.AccountChanges, 1)
	assert.Equal(t, uint64(2), in.AccountChanges[0].NewDataLength)
}

func TestSession_RepeatedChangesKept(t *testing.T) {
	s := newTestSession(t)
	s.StartInstruction(progX, nil, nil)

	for i := uint64(0); i < 3; i++ {
		_, err := s.RecordBalanceChange(key1, 100-i, 99-i)
		require.NoError(t, err)
	}

	changes := s.Transaction().Instructions[0].BalanceChanges
	require.Len(t, changes, 3)
	assert.Equal(t, uint64(100), changes[0].PriorLamports)
	assert.Equal(t, uint64(98), changes[2].PriorLamports)
}

func TestSession_CopiesCallerBuffers(t *testing.T) {
	s := newTestSession(t)

	accounts := []solana.PublicKey{key1}
	data := []byte{1, 2, 3}
	s.StartInstruction(progX, accounts, data)

	prior := []byte{9, 9}
	next := []byte{8, 8}
	_, err := s.RecordAccountChange(key1, prior, next)
	require.NoError(t, err)

	// The engine reuses its buffers right after the call returns.
	accounts[0] = key2
	data[0] = 0xFF
	prior[0] = 0
	next[0] = 0

	inst := s.Transaction().Instructions[0]
	assert.Equal(t, []solana.PublicKey{key1}, inst.AccountKeys)
	assert.Equal(t, []byte{1, 2, 3}, inst.Data)
	assert.Equal(t, []byte{9, 9}, inst.AccountChanges[0].PriorData)
	assert.Equal(t, []byte{8, 8}, inst.AccountChanges[0].NewData)
}

func TestSession_ProtocolErrorsPoison(t *testing.T) {
	tests := []struct {
		name string
		run  func(s *Session) error
		want *ProtocolError
	}{
		{
			name: "end without start",
			run: func(s *Session) error {
				_, err := s.EndInstruction()
				return err
			},
			want: ErrUnbalancedFrame,
		},
		{
			name: "extra end after balanced pair",
			run: func(s *Session) error {
				s.StartInstruction(progX, nil, nil)
				if _, err := s.EndInstruction(); err != nil {
					return err
				}
				_, err := s.EndInstruction()
				return err
			},
			want: ErrUnbalancedFrame,
		},
		{
			name: "balance change outside instruction",
			run: func(s *Session) error {
				_, err := s.RecordBalanceChange(key1, 1, 2)
				return err
			},
			want: ErrNoActiveInstruction,
		},
		{
			name: "account change outside instruction",
			run: func(s *Session) error {
				_, err := s.RecordAccountChange(key1, nil, nil)
				return err
			},
			want: ErrNoActiveInstruction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t)
			err := tt.run(s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.True(t, errors.Is(s.Err(), tt.want))

			var pe *ProtocolError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, sigA, pe.Transaction)
			assert.Contains(t, pe.Error(), sigA.String())
		})
	}
}

func TestSession_FirstErrorWins(t *testing.T) {
	s := newTestSession(t)

	_, err := s.EndInstruction()
	require.Error(t, err)
	_, err = s.RecordBalanceChange(key1, 1, 2)
	require.Error(t, err)

	assert.True(t, errors.Is(s.Err(), ErrUnbalancedFrame))
}

func TestSession_FinishWithOpenFrames(t *testing.T) {
	s := newTestSession(t)
	s.StartInstruction(progX, nil, nil)
	s.StartInstruction(progY, nil, nil)

	err := s.Finish()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnclosedFrames))
	assert.Contains(t, err.Error(), "2 instruction(s) still open")
	// Unclosed frames are a diagnostic only.
	assert.NoError(t, s.Err())
}

func TestSession_LogsIndependentOfFrames(t *testing.T) {
	s := newTestSession(t)

	require.NoError(t, s.RecordLog("before"))
	s.StartInstruction(progX, nil, nil)
	require.NoError(t, s.RecordLog("inside"))
	_, err := s.EndInstruction()
	require.NoError(t, err)

	assert.Equal(t, []string{"before", "inside"}, s.Transaction().LogMessages)
}

func TestSession_InvalidUTF8LogPoisons(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.RecordLog("Program log: ok"))

	err := s.RecordLog("Program log: \xff")
	assert.ErrorIs(t, err, ErrInvalidLogMessage)
	assert.ErrorIs(t, s.Err(), ErrInvalidLogMessage)
	assert.Equal(t, []string{"Program log: ok"}, s.Transaction().LogMessages)
}

func TestTransaction_InstructionLookup(t *testing.T) {
	s := newTestSession(t)
	s.StartInstruction(progX, nil, nil)

	tx := s.Transaction()
	assert.Nil(t, tx.Instruction(0))
	assert.Nil(t, tx.Instruction(2))
	require.NotNil(t, tx.Instruction(1))
	assert.Equal(t, progX, tx.Instruction(1).ProgramID)
}
