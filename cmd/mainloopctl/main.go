// Command mainloopctl runs an echo server on a mainloop transport, and sends
// messages to one.
package main

import (
	"os"

	"github.com/joeycumines/go-mainloop/cmd/mainloopctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
