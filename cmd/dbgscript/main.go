// Command dbgscript drives a debugger session through a TOML step script,
// printing a transcript of every command and its matched output.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
