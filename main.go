package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "status=%s\n%v\n", errorKind(err), err)
		os.Exit(1)
	}
}
