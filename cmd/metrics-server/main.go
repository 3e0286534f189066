// Command metrics-server runs the metrics endpoint as a standalone process.
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
