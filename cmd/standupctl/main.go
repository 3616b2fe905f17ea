package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/loqalabs/standup-recorder/internal/failure"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		if errors.Is(err, failure.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
