package main

import (
	"os"

	"github.com/Brokenbass90/by-bot/cmd/bybot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
