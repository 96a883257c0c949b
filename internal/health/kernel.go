package health

import (
	"bytes"
	"context"
	"strconv"
	"time"
)

// KernelLogCounter counts kernel log records at err level or worse that
// were logged within the last window.
type KernelLogCounter func(ctx context.Context, window time.Duration) (int, error)

// Syslog severity of KERN_ERR; lower values are more severe.
const kernelLevelErr = 3

type kmsgRecord struct {
	level int
	// Microseconds since boot.
	tsUs int64
}

// parseKmsgRecord decodes the header of one /dev/kmsg record, which reads
// "prio,seq,ts_usec,flags[,...];message".
func parseKmsgRecord(rec []byte) (kmsgRecord, bool) {
	header, _, ok := bytes.Cut(rec, []byte{';'})
	if !ok {
		return kmsgRecord{}, false
	}
	fields := bytes.Split(header, []byte{','})
	if len(fields) < 3 {
		return kmsgRecord{}, false
	}

	prio, err := strconv.Atoi(string(fields[0]))
	if err != nil || prio < 0 {
		return kmsgRecord{}, false
	}
	ts, err := strconv.ParseInt(string(fields[2]), 10, 64)
	if err != nil || ts < 0 {
		return kmsgRecord{}, false
	}
	return kmsgRecord{level: prio & 7, tsUs: ts}, true
}

// countRecent counts err-level records at or after sinceUs.
func countRecent(recs []kmsgRecord, sinceUs int64) int {
	n := 0
	for _, r := range recs {
		if r.level <= kernelLevelErr && r.tsUs >= sinceUs {
			n++
		}
	}
	return n
}
