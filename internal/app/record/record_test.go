package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		ID:    7,
		Flags: FlagRollbacking,
		Ops: []Op{
			{New: []byte("ABCDE"), Pre: []byte("hello"), Offset: 0},
			{New: []byte("WORLD!"), Pre: []byte("lo"), Offset: 3},
			{New: []byte("zz"), Pre: nil, Offset: 4096},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := sampleRecord()

	data := rec.Encode()
	require.Equal(t, rec.EncodedLen(), int64(len(data)))
	require.True(t, VerifyChecksum(data))

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Flags, got.Flags)
	require.Len(t, got.Ops, len(rec.Ops))

	for i := range rec.Ops {
		assert.Equal(t, rec.Ops[i].New, got.Ops[i].New, "op %d payload", i)
		assert.Equal(t, rec.Ops[i].Offset, got.Ops[i].Offset, "op %d offset", i)
		if len(rec.Ops[i].Pre) == 0 {
			assert.Empty(t, got.Ops[i].Pre, "op %d pre-image", i)
		} else {
			assert.Equal(t, rec.Ops[i].Pre, got.Ops[i].Pre, "op %d pre-image", i)
		}
	}
}

func TestDecodeZeroOps(t *testing.T) {
	rec := &Record{ID: 1}

	got, err := Decode(rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.ID)
	assert.Empty(t, got.Ops)
}

func TestDecodeMalformed(t *testing.T) {
	full := sampleRecord().Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "empty",
			data: nil,
		},
		{
			name: "shorter than header",
			data: full[:HeaderSize-1],
		},
		{
			name: "truncated op header",
			data: full[:HeaderSize+3],
		},
		{
			name: "payload past end of data",
			data: full[:HeaderSize+16],
		},
		{
			name: "missing checksum trailer",
			data: (&Record{ID: 1}).Encode()[:HeaderSize],
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeDoesNotVerifyChecksum(t *testing.T) {
	data := sampleRecord().Encode()
	data[len(data)-1]++ // corrupt the trailer

	// Decoding still succeeds; checksum verification is the caller's call.
	_, err := Decode(data)
	require.NoError(t, err)
	assert.False(t, VerifyChecksum(data))
}
