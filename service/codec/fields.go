package codec

import "google.golang.org/protobuf/encoding/protowire"

// Batch
const (
	batchTransactions protowire.Number = 1
	batchNumber       protowire.Number = 2
)

// Transaction
const (
	txID                   protowire.Number = 1
	txAdditionalSignatures protowire.Number = 2
	txHeader               protowire.Number = 3
	txAccountKeys          protowire.Number = 4
	txRecentBlockhash      protowire.Number = 5
	txInstructions         protowire.Number = 6
	txLogMessages          protowire.Number = 7
)

// MessageHeader
const (
	hdrNumRequiredSignatures       protowire.Number = 1
	hdrNumReadonlySignedAccounts   protowire.Number = 2
	hdrNumReadonlyUnsignedAccounts protowire.Number = 3
)

// Instruction
const (
	instProgramID      protowire.Number = 1
	instAccountKeys    protowire.Number = 2
	instData           protowire.Number = 3
	instOrdinal        protowire.Number = 4
	instParentOrdinal  protowire.Number = 5
	instDepth          protowire.Number = 6
	instBalanceChanges protowire.Number = 7
	instAccountChanges protowire.Number = 8
)

// BalanceChange
const (
	balPubkey       protowire.Number = 1
	balPrevLamports protowire.Number = 2
	balNewLamports  protowire.Number = 3
)

// AccountChange
const (
	acctPubkey        protowire.Number = 1
	acctPrevData      protowire.Number = 2
	acctNewData       protowire.Number = 3
	acctNewDataLength protowire.Number = 4
)
