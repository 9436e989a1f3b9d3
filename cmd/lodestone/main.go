package main

import (
	"fmt"
	"os"

	"github.com/lodestone-chat/lodestone/cmd/lodestone/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
