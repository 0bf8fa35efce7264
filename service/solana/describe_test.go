package solana

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
)

func systemTransferData(lamports uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], SystemProgramTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return data
}

func tokenData(kind uint8, amount uint64, extra ...byte) []byte {
	data := make([]byte, 9)
	data[0] = kind
	binary.LittleEndian.PutUint64(data[1:9], amount)
	return append(data, extra...)
}

func TestDescribe(t *testing.T) {
	mint := solana.PublicKey{0x6D}
	authority := solana.PublicKey{0x77}

	tests := []struct {
		name     string
		program  solana.PublicKey
		accounts []solana.PublicKey
		data     []byte
		want     string
		ok       bool
	}{
		{
			name:     "system transfer",
			program:  solana.SystemProgramID,
			accounts: []solana.PublicKey{payer, payee},
			data:     systemTransferData(1_000_000_000),
			want:     "system: transfer 1000000000 lamports from " + payer.String() + " to " + payee.String(),
			ok:       true,
		},
		{
			name:    "system non-transfer",
			program: solana.SystemProgramID,
			data:    make([]byte, 12),
		},
		{
			name:    "token transfer",
			program: solana.TokenProgramID,
			data:    tokenData(TokenProgramTransferInstruction, 42),
			want:    "token: transfer 42",
			ok:      true,
		},
		{
			name:     "token-2022 transfer checked",
			program:  solana.Token2022ProgramID,
			accounts: []solana.PublicKey{payer, mint, payee, authority},
			data:     tokenData(TokenProgramTransferCheckedInstruction, 1500000, 6),
			want:     "token: transfer_checked 1500000 (decimals 6) mint " + mint.String() + " authority " + authority.String(),
			ok:       true,
		},
		{
			name:    "token short data",
			program: solana.TokenProgramID,
			data:    []byte{TokenProgramTransferInstruction, 1},
		},
		{
			name:    "plain memo",
			program: solana.MemoProgramID,
			data:    []byte("order-1234"),
			want:    "memo: order-1234",
			ok:      true,
		},
		{
			name:    "base64 memo",
			program: MemoProgramIDLegacy,
			data:    []byte(base64.StdEncoding.EncodeToString([]byte(`{"invoice":"abc"}`))),
			want:    `memo: {"invoice":"abc"}`,
			ok:      true,
		},
		{
			name:    "unknown program",
			program: solana.PublicKey{0x42},
			data:    []byte{1, 2, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Describe(tt.program, tt.accounts, tt.data)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
