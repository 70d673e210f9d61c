package main

import (
	"fmt"
	"os"

	"habitping/internal/apperr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Config and usage errors carry no kind; show them as is.
		if apperr.KindOf(err) == "" {
			fmt.Fprintln(os.Stderr, "error:", err)
		} else {
			fmt.Fprintln(os.Stderr, apperr.UserMessage(err))
		}
		os.Exit(1)
	}
}
