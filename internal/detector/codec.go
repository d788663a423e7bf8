package detector

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/types"
)

// Frame wire format, little-endian, 40-byte header:
//
//	offset  size  field
//	0       4     magic "PCF1"
//	4       2     header size (40)
//	6       2     format version (1)
//	8       1     rank
//	9       1     data type
//	10      1     layout
//	11      1     reserved
//	12      12    dims[3] uint32
//	24      8     frame number
//	32      8     timestamp, ns since epoch
//
// The payload follows immediately and must hold exactly the byte size the
// descriptor implies.
const (
	HeaderSize    = 40
	FormatVersion = 1
)

var frameMagic = [4]byte{'P', 'C', 'F', '1'}

// FrameHeader is the decoded frame metadata.
type FrameHeader struct {
	Descriptor  types.FrameDescriptor
	FrameNumber uint64
	Timestamp   time.Time
}

// ParseFrame validates a raw frame and splits it into header and payload.
// The payload slice aliases data. A garbled or truncated header is a
// MALFORMED_RESPONSE; a payload that disagrees with the declared geometry
// is a GEOMETRY_MISMATCH.
func ParseFrame(data []byte) (FrameHeader, []byte, error) {
	var hdr FrameHeader

	if len(data) < HeaderSize {
		return hdr, nil, errors.NewError(errors.ErrCodeMalformedResponse,
			fmt.Sprintf("frame header too short: %d bytes", len(data))).
			WithComponent("detector").
			WithOperation("parse frame")
	}

	if data[0] != frameMagic[0] || data[1] != frameMagic[1] ||
		data[2] != frameMagic[2] || data[3] != frameMagic[3] {
		return hdr, nil, errors.NewError(errors.ErrCodeMalformedResponse, "bad frame magic").
			WithComponent("detector").
			WithOperation("parse frame")
	}

	if size := binary.LittleEndian.Uint16(data[4:6]); size != HeaderSize {
		return hdr, nil, errors.NewError(errors.ErrCodeMalformedResponse,
			fmt.Sprintf("unexpected header size %d", size)).
			WithComponent("detector").
			WithOperation("parse frame")
	}
	if version := binary.LittleEndian.Uint16(data[6:8]); version != FormatVersion {
		return hdr, nil, errors.NewError(errors.ErrCodeMalformedResponse,
			fmt.Sprintf("unsupported frame format version %d", version)).
			WithComponent("detector").
			WithOperation("parse frame")
	}

	desc := types.FrameDescriptor{
		Rank:     int(data[8]),
		DataType: types.DataType(data[9]),
		Layout:   types.Layout(data[10]),
	}
	for i := 0; i < types.MaxRank; i++ {
		desc.Dims[i] = int(binary.LittleEndian.Uint32(data[12+4*i : 16+4*i]))
	}

	if err := desc.Validate(); err != nil {
		return hdr, nil, errors.NewError(errors.ErrCodeMalformedResponse, "invalid frame geometry").
			WithComponent("detector").
			WithOperation("parse frame").
			WithCause(err)
	}

	payload := data[HeaderSize:]
	if want := desc.ByteSize(); len(payload) != want {
		return hdr, nil, errors.NewError(errors.ErrCodeGeometryMismatch,
			"payload length disagrees with declared geometry").
			WithComponent("detector").
			WithOperation("parse frame").
			WithDetail("expected_bytes", want).
			WithDetail("actual_bytes", len(payload)).
			WithDetail("geometry", desc.String())
	}

	hdr.Descriptor = desc
	hdr.FrameNumber = binary.LittleEndian.Uint64(data[24:32])
	hdr.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(data[32:40])))
	return hdr, payload, nil
}

// EncodeFrame serializes a frame into the wire format. Used by the archive
// sink for object bodies and by test fixtures.
func EncodeFrame(frame *types.Frame) []byte {
	buf := make([]byte, HeaderSize+len(frame.Data))

	copy(buf[0:4], frameMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], HeaderSize)
	binary.LittleEndian.PutUint16(buf[6:8], FormatVersion)
	buf[8] = byte(frame.Descriptor.Rank)
	buf[9] = byte(frame.Descriptor.DataType)
	buf[10] = byte(frame.Descriptor.Layout)
	for i := 0; i < types.MaxRank; i++ {
		binary.LittleEndian.PutUint32(buf[12+4*i:16+4*i], uint32(frame.Descriptor.Dims[i]))
	}
	binary.LittleEndian.PutUint64(buf[24:32], frame.FrameNumber)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(frame.Timestamp.UnixNano()))

	copy(buf[HeaderSize:], frame.Data)
	return buf
}
