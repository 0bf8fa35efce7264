package legacy

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	key1 = solana.PublicKey{1}
	key2 = solana.PublicKey{2}
	prog = solana.PublicKey{0xF1}
	sig  = solana.Signature{0xA}
)

func TestEmitter_DisabledWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	e := Emitter{Out: &buf}

	require.NoError(t, e.TrxStart(sig, 1, []solana.PublicKey{key1}, solana.Hash{}))
	require.NoError(t, e.InstStart(1, 0, 0, prog, nil, []byte{0xAA}))
	require.NoError(t, e.Log("hello"))
	assert.Zero(t, buf.Len())
}

func TestEmitter_NilOutIsInactive(t *testing.T) {
	e := Emitter{Enabled: true}
	assert.False(t, e.Active())
	assert.NoError(t, e.InstEnd(1))
}

func TestEmitter_Lines(t *testing.T) {
	var buf bytes.Buffer
	e := Emitter{Enabled: true, Out: &buf}

	require.NoError(t, e.TrxStart(sig, 1, []solana.PublicKey{key1, key2}, solana.Hash{9}))
	require.NoError(t, e.InstStart(1, 0, 0, prog, []solana.PublicKey{key1}, []byte{0xAA, 0xBB}))
	require.NoError(t, e.BalanceChange(1, key1, 100, 80))
	require.NoError(t, e.AccountChange(1, key2, []byte{0x01}, []byte{0x02, 0x03}))
	require.NoError(t, e.InstEnd(1))
	require.NoError(t, e.Log("line one\nline two"))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)

	assert.Equal(t, "DMLOG TRX_START "+sig.String()+" 1 "+key1.String()+","+key2.String()+" "+solana.Hash{9}.String(), lines[0])
	assert.Equal(t, "DMLOG INST_S 1 0 0 "+prog.String()+" "+key1.String()+" "+base58.Encode([]byte{0xAA, 0xBB}), lines[1])
	assert.Equal(t, "DMLOG LAMP_CHANGE 1 "+key1.String()+" 100 80", lines[2])
	assert.Equal(t, "DMLOG ACCT_CHANGE 1 "+key2.String()+" 01 0203 2", lines[3])
	assert.Equal(t, "DMLOG INST_E 1", lines[4])
	assert.Equal(t, `DMLOG LOG line one\nline two`, lines[5])
}

func TestEmitter_EmptyFields(t *testing.T) {
	var buf bytes.Buffer
	e := Emitter{Enabled: true, Out: &buf}

	require.NoError(t, e.InstStart(2, 1, 1, prog, nil, nil))
	require.NoError(t, e.AccountChange(2, key1, nil, nil))

	assert.Equal(t,
		"DMLOG INST_S 2 1 1 "+prog.String()+" . .\n"+
			"DMLOG ACCT_CHANGE 2 "+key1.String()+" . . 0\n",
		buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestEmitter_WriteError(t *testing.T) {
	e := Emitter{Enabled: true, Out: failingWriter{}}
	err := e.InstEnd(3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INST_E")
}
