package logging

import "sync"

// tap fans each log line out to an optional consumer, typically the admin
// event feed. It sits in the logger's MultiWriter, so the consumer must
// never log or block; drop instead.
var tap = &tapWriter{}

type tapWriter struct {
	mu sync.RWMutex
	fn func(line []byte)
}

// SetTap installs fn as the log line consumer. fn receives a copy of each
// raw JSON line and runs on the logging goroutine. Pass nil to remove.
func SetTap(fn func(line []byte)) {
	tap.mu.Lock()
	tap.fn = fn
	tap.mu.Unlock()
}

func (t *tapWriter) Write(p []byte) (int, error) {
	t.mu.RLock()
	fn := t.fn
	t.mu.RUnlock()
	if fn != nil {
		line := make([]byte, len(p))
		copy(line, p)
		fn(line)
	}
	return len(p), nil
}
