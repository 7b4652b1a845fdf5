package main

import (
	"fmt"
	"os"

	"github.com/go-delve/unwind/cmd/unwind/cmds"
	"github.com/go-delve/unwind/pkg/config"
)

func main() {
	if err := cmds.New(config.LoadConfig()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
