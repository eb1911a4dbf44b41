// Command fakefc serves a fake Firecracker API socket for local testing.
package main

import (
	"os"

	"github.com/seantiz/firelink/internal/fakefc"
)

func main() {
	os.Exit(fakefc.Main(os.Args[1:], os.Stdout, os.Stderr))
}
