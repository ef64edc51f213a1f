package main

import (
	"github.com/PedroDnT/delos-oracle/internal/cli"
)

func main() {
	cli.Execute()
}
