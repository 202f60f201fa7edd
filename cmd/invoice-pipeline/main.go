package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if _, werr := fmt.Fprintf(os.Stderr, "error: %v\n", err); werr != nil {
			fmt.Printf("error: %v\n", err)
		}
		os.Exit(1)
	}
}
