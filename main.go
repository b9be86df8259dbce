// The main package for the apicrawl executable.
package main

import (
	"github.com/apicrawl/apicrawl/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
