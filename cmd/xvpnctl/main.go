package main

import (
	"os"

	"github.com/aman-churiwal/xvpn-gateway/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
