package testutil

import (
	"runtime"
	"testing"
)

// FatalStack fails the test and prints the stacks of all running goroutines.
func FatalStack(t *testing.T, s string) {
	stackTrace := make([]byte, 8*1024)
	n := runtime.Stack(stackTrace, true)
	t.Error(string(stackTrace[:n]))
	t.Fatal(s)
}
