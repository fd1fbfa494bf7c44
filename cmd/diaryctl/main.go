// diaryctl is the operator CLI for encrypted diary segments: chain
// verification, inspection and export for audit review, and segment
// destruction.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
