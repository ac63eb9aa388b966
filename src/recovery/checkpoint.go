package recovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
	"github.com/Blackdeer1524/RelDB/src/pkg/optional"
	"github.com/Blackdeer1524/RelDB/src/pkg/utils"
)

const (
	checkpointMagic = "RELDBCHK"
	digestSize      = 32
)

// Snapshot is the state captured next to a checkpoint LSN. Recovery starts
// scanning at the smallest LSN that may still be needed: the LSN after the
// checkpoint, the recLSN of any page dirty at checkpoint time and the first
// LSN of any transaction active at checkpoint time.
type Snapshot struct {
	DirtyPages map[common.PageID]common.LSN
	ActiveTxns map[common.TxnID]common.LSN
}

type CheckpointState struct {
	LSN       common.LSN
	Timestamp time.Time
	LogID     uuid.UUID
	Snapshot  Snapshot
}

// RedoStart returns the first LSN recovery has to look at.
func (c CheckpointState) RedoStart() common.LSN {
	lsns := []common.LSN{c.LSN + 1}
	for _, lsn := range c.Snapshot.DirtyPages {
		lsns = append(lsns, lsn)
	}
	for _, lsn := range c.Snapshot.ActiveTxns {
		lsns = append(lsns, lsn)
	}
	return common.MinLSN(lsns...)
}

func sortedKeys[K ~uint64, V any](m map[K]V) []K {
	res := make([]K, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	slices.Sort(res)
	return res
}

// MarshalBinary encodes the checkpoint followed by a blake3 digest of the
// encoded bytes.
func (c *CheckpointState) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(checkpointMagic)

	fields := []any{c.LSN, c.Timestamp.UnixNano(), c.LogID, uint32(len(c.Snapshot.DirtyPages))} //nolint:gosec
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	for _, pageID := range sortedKeys(c.Snapshot.DirtyPages) {
		if err := binary.Write(buf, binary.BigEndian, pageID); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.BigEndian, c.Snapshot.DirtyPages[pageID]); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(buf, binary.BigEndian, uint32(len(c.Snapshot.ActiveTxns))); err != nil { //nolint:gosec
		return nil, err
	}
	for _, txnID := range sortedKeys(c.Snapshot.ActiveTxns) {
		if err := binary.Write(buf, binary.BigEndian, txnID); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.BigEndian, c.Snapshot.ActiveTxns[txnID]); err != nil {
			return nil, err
		}
	}

	digest := blake3.Sum256(buf.Bytes())
	buf.Write(digest[:])

	return buf.Bytes(), nil
}

func (c *CheckpointState) UnmarshalBinary(data []byte) error {
	if len(data) < len(checkpointMagic)+digestSize {
		return fmt.Errorf("%w: checkpoint of %d bytes is too short", ErrCorruptRecord, len(data))
	}

	body, digest := data[:len(data)-digestSize], data[len(data)-digestSize:]
	if sum := blake3.Sum256(body); !bytes.Equal(sum[:], digest) {
		return fmt.Errorf("%w: checkpoint digest mismatch", ErrCorruptRecord)
	}

	if string(body[:len(checkpointMagic)]) != checkpointMagic {
		return fmt.Errorf("%w: bad checkpoint magic", ErrCorruptRecord)
	}

	rd := bytes.NewReader(body[len(checkpointMagic):])

	var (
		ts      int64
		nDirty  uint32
		nActive uint32
	)
	for _, f := range []any{&c.LSN, &ts, &c.LogID, &nDirty} {
		if err := binary.Read(rd, binary.BigEndian, f); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
	}
	c.Timestamp = time.Unix(0, ts)

	c.Snapshot.DirtyPages = make(map[common.PageID]common.LSN, nDirty)
	for range nDirty {
		var (
			pageID common.PageID
			recLSN common.LSN
		)
		if err := binary.Read(rd, binary.BigEndian, &pageID); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		if err := binary.Read(rd, binary.BigEndian, &recLSN); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		c.Snapshot.DirtyPages[pageID] = recLSN
	}

	if err := binary.Read(rd, binary.BigEndian, &nActive); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	c.Snapshot.ActiveTxns = make(map[common.TxnID]common.LSN, nActive)
	for range nActive {
		var (
			txnID    common.TxnID
			firstLSN common.LSN
		)
		if err := binary.Read(rd, binary.BigEndian, &txnID); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		if err := binary.Read(rd, binary.BigEndian, &firstLSN); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		c.Snapshot.ActiveTxns[txnID] = firstLSN
	}

	return nil
}

// writeCheckpointFile replaces path atomically: the new contents are
// written and synced to a temporary file which is then renamed over path.
func writeCheckpointFile(fs afero.Fs, path string, state *CheckpointState) (err error) {
	data, err := state.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := fs.OpenFile(filepath.Clean(tmpPath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: failed to open temp checkpoint: %w", common.ErrIO, err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: failed to write temp checkpoint: %w", common.ErrIO, err)
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: failed to sync temp checkpoint: %w", common.ErrIO, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: failed to close temp checkpoint: %w", common.ErrIO, err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: failed to rename checkpoint: %w", common.ErrIO, err)
	}
	return nil
}

func readCheckpointFile(fs afero.Fs, path string) (optional.Optional[CheckpointState], error) {
	ok, err := utils.IsFileExists(fs, path)
	if err != nil {
		return optional.None[CheckpointState](), fmt.Errorf("%w: failed to stat checkpoint: %w", common.ErrIO, err)
	}
	if !ok {
		return optional.None[CheckpointState](), nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return optional.None[CheckpointState](), fmt.Errorf("%w: failed to read checkpoint: %w", common.ErrIO, err)
	}

	var state CheckpointState
	if err := state.UnmarshalBinary(data); err != nil {
		return optional.None[CheckpointState](), err
	}
	return optional.Some(state), nil
}
