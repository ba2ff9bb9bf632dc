package main

import (
	"fmt"
	"os"

	"github.com/jdai/vault-engine/internal/cli"
)

func main() {
	if err := cli.NewRoot(cli.Deps{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
