package common

type LSN uint64

// NilLSN is never assigned to a record. The first record gets LSN 1.
const NilLSN = LSN(0)

func (l LSN) IsNil() bool {
	return l == NilLSN
}

// MinLSN returns the smallest non-nil LSN of the arguments or NilLSN.
func MinLSN(lsns ...LSN) LSN {
	res := NilLSN
	for _, l := range lsns {
		if l.IsNil() {
			continue
		}
		if res.IsNil() || l < res {
			res = l
		}
	}
	return res
}
