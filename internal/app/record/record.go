package record

import (
	"encoding/binary"
	"errors"
	"math"
)

// On-disk transaction record layout (all fields little-endian):
//
//	offset  size  field
//	0       4     id
//	4       4     flags
//	8       4     numops
//	        --- repeated numops times ---
//	+0      4     op_len     bytes of new payload
//	+4      4     op_plen    bytes of pre-image
//	+8      8     op_offset  absolute offset in the data file
//	+16     op_len   new payload
//	+...    op_plen  pre-image
//	        --- trailer ---
//	        4     checksum over every preceding byte

const (
	// HeaderSize is the size of the fixed record header.
	HeaderSize = 12

	opHeaderSize = 16
	checksumSize = 4
)

// Transaction flag bits carried in a record's header.
const (
	FlagCommitted   uint32 = 1 << iota // transaction reached its point of no return
	FlagRollbacked                     // transaction was rolled back
	FlagRollbacking                    // record is the rollback of an earlier transaction
)

// ErrMalformed reports a record whose length fields do not fit the data,
// or whose data is shorter than the fixed header.
var ErrMalformed = errors.New("malformed transaction record")

// Record is the in-memory form of one on-disk transaction file.
type Record struct {
	ID    uint32
	Flags uint32
	Ops   []Op
}

// Op is a single write within a record. The pre-image may be shorter than
// the new payload when the write extended the data file.
type Op struct {
	New    []byte
	Pre    []byte
	Offset int64
}

// EncodedLen returns the exact serialized size of the record, trailer
// included.
func (r *Record) EncodedLen() int64 {
	size := int64(HeaderSize + checksumSize)
	for i := range r.Ops {
		size += opHeaderSize + int64(len(r.Ops[i].New)) + int64(len(r.Ops[i].Pre))
	}
	return size
}

// Encode serializes the record, checksum trailer included.
func (r *Record) Encode() []byte {
	buf := make([]byte, 0, r.EncodedLen())

	buf = binary.LittleEndian.AppendUint32(buf, r.ID)
	buf = binary.LittleEndian.AppendUint32(buf, r.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Ops)))

	for i := range r.Ops {
		op := &r.Ops[i]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.New)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.Pre)))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Offset))
		buf = append(buf, op.New...)
		buf = append(buf, op.Pre...)
	}

	return binary.LittleEndian.AppendUint32(buf, Sum(buf))
}

// Decode parses a serialized record, typically a memory mapping of a
// journal file. Payload slices alias data; they stay valid only while the
// mapping does. The checksum trailer is located but not verified, that is
// the recovery engine's decision via VerifyChecksum.
func Decode(data []byte) (*Record, error) {
	if len(data) < HeaderSize {
		return nil, ErrMalformed
	}

	r := &Record{
		ID:    binary.LittleEndian.Uint32(data[0:4]),
		Flags: binary.LittleEndian.Uint32(data[4:8]),
	}
	numops := binary.LittleEndian.Uint32(data[8:12])

	pos := int64(HeaderSize)
	end := int64(len(data))

	for i := uint32(0); i < numops; i++ {
		if end-pos < opHeaderSize {
			return nil, ErrMalformed
		}

		oplen := int64(binary.LittleEndian.Uint32(data[pos : pos+4]))
		plen := int64(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		offset := binary.LittleEndian.Uint64(data[pos+8 : pos+16])
		pos += opHeaderSize

		if offset > math.MaxInt64 || oplen > end-pos || plen > end-pos-oplen {
			return nil, ErrMalformed
		}

		r.Ops = append(r.Ops, Op{
			New:    data[pos : pos+oplen],
			Pre:    data[pos+oplen : pos+oplen+plen],
			Offset: int64(offset),
		})
		pos += oplen + plen
	}

	if end-pos < checksumSize {
		return nil, ErrMalformed
	}

	return r, nil
}
