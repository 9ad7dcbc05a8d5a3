// Command framecall talks to a framed-RPC peer from the shell: it issues
// calls and notifications, and can run a reference peer for testing.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
