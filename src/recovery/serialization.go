package recovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

const (
	logMagic   = "RELDBWAL"
	logVersion = uint16(1)

	// magic | version | log id
	logHeaderSize = len(logMagic) + 2 + 16
	// payload length | xxhash64 of the payload
	frameHeaderSize = 4 + 8

	maxRecordSize = 64 << 20
)

var (
	ErrCorruptRecord  = errors.New("corrupt log record")
	ErrRecordTooLarge = errors.New("log record is too large")
	ErrBadLogHeader   = errors.New("bad log file header")
)

func (r *LogRecord) MarshalBinary() ([]byte, error) {
	if len(r.Key) > math.MaxUint32 || len(r.Before) > math.MaxUint32 || len(r.After) > math.MaxUint32 {
		return nil, fmt.Errorf("log record %d is too large", r.LSN)
	}

	buf := new(bytes.Buffer)
	buf.Grow(8 + 8 + 1 + 8 + 4 + len(r.Key) + 8 + 8 + 2 + 8 + 4 + len(r.Before) + 4 + len(r.After))

	fields := []any{
		r.LSN,
		r.TxnID,
		r.Type,
		r.Timestamp.UnixNano(),
		uint32(len(r.Key)), //nolint:gosec
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	buf.WriteString(r.Key)

	fields = []any{
		r.PrevLSN,
		r.PageID,
		r.Offset,
		r.UndoLSN,
		uint32(len(r.Before)), //nolint:gosec
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	buf.Write(r.Before)

	if err := binary.Write(buf, binary.BigEndian, uint32(len(r.After))); err != nil { //nolint:gosec
		return nil, err
	}
	buf.Write(r.After)

	return buf.Bytes(), nil
}

func readBytes(rd *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, err
	}

	if int64(n) > int64(rd.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrCorruptRecord, n, rd.Len())
	}

	res := make([]byte, n)
	if _, err := io.ReadFull(rd, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *LogRecord) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)

	var ts int64
	for _, f := range []any{&r.LSN, &r.TxnID, &r.Type, &ts} {
		if err := binary.Read(rd, binary.BigEndian, f); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
	}
	r.Timestamp = time.Unix(0, ts)

	if !r.Type.isValid() {
		return fmt.Errorf("%w: unknown type tag %d", ErrCorruptRecord, r.Type)
	}

	key, err := readBytes(rd)
	if err != nil {
		return fmt.Errorf("%w: key: %w", ErrCorruptRecord, err)
	}
	r.Key = string(key)

	for _, f := range []any{&r.PrevLSN, &r.PageID, &r.Offset, &r.UndoLSN} {
		if err := binary.Read(rd, binary.BigEndian, f); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
	}

	if r.Before, err = readBytes(rd); err != nil {
		return fmt.Errorf("%w: before image: %w", ErrCorruptRecord, err)
	}

	if r.After, err = readBytes(rd); err != nil {
		return fmt.Errorf("%w: after image: %w", ErrCorruptRecord, err)
	}

	if rd.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, rd.Len())
	}
	return nil
}

// appendFrame appends the framed payload to dst.
func appendFrame(dst []byte, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload))) //nolint:gosec
	dst = binary.BigEndian.AppendUint64(dst, xxhash.Sum64(payload))
	return append(dst, payload...)
}

// readFrame reads one framed record and returns the number of bytes the
// frame spans, which for a corrupt frame is what its header claims. A
// frame cut short by the end of the input or failing its checksum is
// reported as ErrCorruptRecord, a clean end of input as io.EOF and any
// other read failure as common.ErrIO.
func readFrame(rd io.Reader) (LogRecord, int64, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(rd, hdr[:])
	switch {
	case errors.Is(err, io.EOF):
		return LogRecord{}, 0, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return LogRecord{}, int64(n), fmt.Errorf("%w: short frame header", ErrCorruptRecord)
	case err != nil:
		return LogRecord{}, int64(n), fmt.Errorf("%w: failed to read frame header: %w", common.ErrIO, err)
	}

	size := binary.BigEndian.Uint32(hdr[:4])
	sum := binary.BigEndian.Uint64(hdr[4:])
	span := int64(frameHeaderSize) + int64(size)
	if size > maxRecordSize {
		return LogRecord{}, span, fmt.Errorf("%w: frame of %d bytes", ErrCorruptRecord, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(rd, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return LogRecord{}, span, fmt.Errorf("%w: short frame payload", ErrCorruptRecord)
		}
		return LogRecord{}, span, fmt.Errorf("%w: failed to read frame payload: %w", common.ErrIO, err)
	}

	if xxhash.Sum64(payload) != sum {
		return LogRecord{}, span, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	var rec LogRecord
	if err := rec.UnmarshalBinary(payload); err != nil {
		return LogRecord{}, span, err
	}
	return rec, span, nil
}

func encodeLogHeader(logID uuid.UUID) []byte {
	res := make([]byte, 0, logHeaderSize)
	res = append(res, logMagic...)
	res = binary.BigEndian.AppendUint16(res, logVersion)
	return append(res, logID[:]...)
}

func decodeLogHeader(data []byte) (uuid.UUID, error) {
	if len(data) < logHeaderSize || string(data[:len(logMagic)]) != logMagic {
		return uuid.Nil, ErrBadLogHeader
	}

	version := binary.BigEndian.Uint16(data[len(logMagic):])
	if version != logVersion {
		return uuid.Nil, fmt.Errorf("%w: unsupported version %d", ErrBadLogHeader, version)
	}

	id, err := uuid.FromBytes(data[len(logMagic)+2 : logHeaderSize])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrBadLogHeader, err)
	}
	return id, nil
}
