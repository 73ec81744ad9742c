package audit

// Flush exposes flush to external tests.
func (l *Log) Flush() { l.flush() }
