package main

import (
	"os"
	"testing"
)

// TestMainExitCodes invokes main with a patched exitFunc.
func TestMainExitCodes(t *testing.T) {
	var codes []int
	old := exitFunc
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc = old }()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"wiggledb", "attributes", "--db-driver", "memory"}
	main()
	os.Args = []string{"wiggledb", "no-such-command"}
	main()
	if len(codes) != 2 {
		t.Fatalf("expected two exit codes, got %v", codes)
	}
	if codes[0] != 0 || codes[1] == 0 {
		t.Fatalf("unexpected exit codes: %v", codes)
	}
}
