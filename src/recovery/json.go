package recovery

import (
	"time"

	"github.com/go-faster/jx"
)

// EncodeJSON writes the record as a JSON object. Page images are base64
// encoded.
func (r LogRecord) EncodeJSON(e *jx.Encoder) {
	e.ObjStart()

	e.FieldStart("lsn")
	e.UInt64(uint64(r.LSN))
	e.FieldStart("txn_id")
	e.UInt64(uint64(r.TxnID))
	e.FieldStart("type")
	e.Str(r.Type.String())
	e.FieldStart("timestamp")
	e.Str(r.Timestamp.UTC().Format(time.RFC3339Nano))
	e.FieldStart("prev_lsn")
	e.UInt64(uint64(r.PrevLSN))

	if r.Type.IsRedoable() {
		e.FieldStart("key")
		e.Str(r.Key)
		e.FieldStart("page_id")
		e.UInt64(uint64(r.PageID))
		e.FieldStart("offset")
		e.UInt64(uint64(r.Offset))
		if r.Type == TypeCompensate {
			e.FieldStart("undo_lsn")
			e.UInt64(uint64(r.UndoLSN))
		}
		e.FieldStart("before")
		e.Base64(r.Before)
		e.FieldStart("after")
		e.Base64(r.After)
	}

	e.ObjEnd()
}
