package logging

import "sync"

// Entry is a single record captured by a Recorder.
type Entry struct {
	Level  string
	Msg    string
	Err    error
	Fields LogFields
}

// Recorder is an in-memory ServiceLogger used by package tests to assert on
// emitted log lines.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  LogFields
}

func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	merged := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Recorder{mu: r.mu, entries: r.entries, fields: merged}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.record("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields LogFields)  { r.record("info", msg, nil, fields) }
func (r *Recorder) Trace(msg string, fields LogFields) { r.record("trace", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.record("error", msg, err, fields)
}

// Entries returns a snapshot of everything logged through r or its children.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Count returns how many entries were logged at level.
func (r *Recorder) Count(level string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (r *Recorder) record(level, msg string, err error, fields LogFields) {
	merged := make(LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	*r.entries = append(*r.entries, Entry{Level: level, Msg: msg, Err: err, Fields: merged})
	r.mu.Unlock()
}
