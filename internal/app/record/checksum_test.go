package record

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{name: "empty", data: nil, want: 0},
		{name: "single byte", data: []byte{0x2a}, want: 0x2a},
		{name: "small run", data: []byte{1, 2, 3}, want: 6},
		{name: "ascii", data: []byte("ABCDE"), want: 65 + 66 + 67 + 68 + 69},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sum(tt.data))
		})
	}
}

func TestSumLargeRun(t *testing.T) {
	data := make([]byte, 1<<16)
	for i := range data {
		data[i] = 0xff
	}
	assert.Equal(t, uint32(0xff*(1<<16)), Sum(data))
}

func TestVerifyChecksum(t *testing.T) {
	body := []byte("some record body")
	data := binary.LittleEndian.AppendUint32(body, Sum(body))

	assert.True(t, VerifyChecksum(data))

	tampered := make([]byte, len(data))
	copy(tampered, data)
	tampered[0] ^= 0x01
	assert.False(t, VerifyChecksum(tampered))

	assert.False(t, VerifyChecksum(data[:3]), "too short for a trailer")
}
