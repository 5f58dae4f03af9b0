package main

import (
	"fmt"
	"os"

	"github.com/almond-mart/almond-trainer/cmd/almond-train/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
