// Command spandump runs synthetic workloads against a span registry and
// prints what a dump of the live spans looks like.
package main

import (
	"os"
)

func main() {
	vp := newViper()

	root := newRootCmd(vp)
	root.AddCommand(newDemoCmd(vp))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
