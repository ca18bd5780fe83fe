// Command kommobridge runs the bridge until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}
