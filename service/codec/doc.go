// Package codec encodes recorded batches in the protobuf wire format read by batch consumers.
//
// Messages are written by hand with protowire so the recorder needs no generated code:
//
//	Batch         { repeated Transaction transactions = 1; uint64 batch_number = 2; }
//	Transaction   { string id = 1; repeated string additional_signatures = 2;
//	                MessageHeader header = 3; repeated string account_keys = 4;
//	                string recent_blockhash = 5; repeated Instruction instructions = 6;
//	                repeated string log_messages = 7; }
//	MessageHeader { uint32 num_required_signatures = 1; uint32 num_readonly_signed_accounts = 2;
//	                uint32 num_readonly_unsigned_accounts = 3; }
//	Instruction   { string program_id = 1; repeated string account_keys = 2; bytes data = 3;
//	                uint32 ordinal = 4; uint32 parent_ordinal = 5; uint32 depth = 6;
//	                repeated BalanceChange balance_changes = 7;
//	                repeated AccountChange account_changes = 8; }
//	BalanceChange { string pubkey = 1; uint64 prev_lamports = 2; uint64 new_lamports = 3; }
//	AccountChange { string pubkey = 1; bytes prev_data = 2; bytes new_data = 3;
//	                uint64 new_data_length = 4; }
//
// Keys, signatures and hashes are base58 strings. A batch file holds a single frame:
// the uvarint length of the encoded Batch followed by the Batch itself.
package codec
