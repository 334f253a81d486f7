package partition

import "sync"

// Record pairs one applied Command with the log sequence number the
// group assigned it.
type Record struct {
	LSN uint64
	Cmd Command
}

// CommandLog is the replicated log C4 applies write commands from.
// Follows a LogManager shape: a monotonically increasing sequence
// number assigned under a single mutex, append-only, replayable in
// order. Unlike a page-diff LogManager it holds Commands rather than
// page-diff LogRecords and keeps them in memory, since the durable
// storage format is left unspecified and pluggable (an in-memory store
// is an explicit option).
type CommandLog struct {
	mu      sync.Mutex
	nextLSN uint64
	records []Record
}

// NewCommandLog returns an empty log whose first record gets LSN 1.
func NewCommandLog() *CommandLog {
	return &CommandLog{nextLSN: 1}
}

// Append assigns cmd the next LSN and appends it, returning the
// resulting Record.
func (l *CommandLog) Append(cmd Command) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := Record{LSN: l.nextLSN, Cmd: cmd}
	l.nextLSN++
	l.records = append(l.records, rec)
	return rec
}

// Read returns every record currently retained, oldest first.
func (l *CommandLog) Read() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// LastIndex returns the LSN of the most recently appended record, or 0
// if the log is empty.
func (l *CommandLog) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return 0
	}
	return l.records[len(l.records)-1].LSN
}

// TruncateThrough drops every record with LSN <= lsn, called once a
// snapshot has captured their effect durably.
func (l *CommandLog) TruncateThrough(lsn uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.records[:0]
	for _, r := range l.records {
		if r.LSN > lsn {
			kept = append(kept, r)
		}
	}
	l.records = kept
}
