package utils

// Must unwraps a (value, error) pair, panicking on error. For wiring code
// where failure means the process cannot start.
func Must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}
