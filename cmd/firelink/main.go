// Command firelink launches Firecracker microVMs from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/seantiz/firelink/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "firelink: %v\n", err)
		os.Exit(1)
	}
}
