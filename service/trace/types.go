package trace

import (
	"github.com/gagliardetto/solana-go"
)

// AccountChange records one mutation of an account's data while an instruction was active.
// NewDataLength is carried separately from NewData because some consumers trust the declared
// length over the payload size.
type AccountChange struct {
	Account       solana.PublicKey `json:"pubkey"`
	PriorData     []byte           `json:"prev_data"`
	NewData       []byte           `json:"new_data"`
	NewDataLength uint64           `json:"new_data_length"`
}

// BalanceChange records one lamport balance mutation while an instruction was active.
type BalanceChange struct {
	Account       solana.PublicKey `json:"pubkey"`
	PriorLamports uint64           `json:"prev_lamports"`
	NewLamports   uint64           `json:"new_lamports"`
}

// Instruction is one node of a transaction's call tree. Instructions are stored flat,
// in ordinal order, and reference their parent by ordinal (0 for top-level instructions).
type Instruction struct {
	Ordinal       uint32             `json:"ordinal"`
	ParentOrdinal uint32             `json:"parent_ordinal"`
	Depth         uint32             `json:"depth"`
	ProgramID     solana.PublicKey   `json:"program_id"`
	AccountKeys   []solana.PublicKey `json:"account_keys"`
	Data          []byte             `json:"data"`

	AccountChanges []AccountChange `json:"account_changes"`
	BalanceChanges []BalanceChange `json:"balance_changes"`
}

// MessageHeader holds the signature requirements of a transaction message.
type MessageHeader struct {
	NumRequiredSignatures       uint32 `json:"num_required_signatures"`
	NumReadonlySignedAccounts   uint32 `json:"num_readonly_signed_accounts"`
	NumReadonlyUnsignedAccounts uint32 `json:"num_readonly_unsigned_accounts"`
}

// Transaction is the recorded trace of one executed transaction.
// ID is the first signature; the remaining co-signatures are kept in AdditionalSignatures.
type Transaction struct {
	ID                   solana.Signature   `json:"id"`
	AdditionalSignatures []solana.Signature `json:"additional_signatures"`
	Header               MessageHeader      `json:"header"`
	AccountKeys          []solana.PublicKey `json:"account_keys"`
	RecentBlockhash      solana.Hash        `json:"recent_blockhash"`
	Instructions         []*Instruction     `json:"instructions"`
	LogMessages          []string           `json:"log_messages"`
}

// Instruction returns the instruction with the given ordinal, or nil if there is none.
func (t *Transaction) Instruction(ordinal uint32) *Instruction {
	if ordinal == 0 || int(ordinal) > len(t.Instructions) {
		return nil
	}
	return t.Instructions[ordinal-1]
}

// Batch is a group of transaction traces flushed together as one artifact.
type Batch struct {
	Number       uint64         `json:"batch_number"`
	Transactions []*Transaction `json:"transactions"`
}
