/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

// MockT captures assertion failures instead of failing the test.
// Unlike testing.T, its FailNow does not halt the calling goroutine,
// so code after a failed require-style assertion keeps executing.
type MockT struct {
	Failed bool
	Format string
	Args   []interface{}
}

func (t *MockT) FailNow() {
	t.Failed = true
}

func (t *MockT) Errorf(format string, args ...interface{}) {
	t.Failed = true
	t.Format, t.Args = format, args
}
