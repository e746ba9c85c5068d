package storage

// SetFatalHook replaces the process-terminating hook for the duration of a
// test.
func SetFatalHook(fn func(format string, args ...any)) (restore func()) {
	prev := fatalf
	fatalf = fn
	return func() { fatalf = prev }
}

func OrphanCount(s *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orphans)
}

func OpenCount(s *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}
