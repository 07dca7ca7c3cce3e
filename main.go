// The main package for the spidermini executable.
package main

import (
	"github.com/JakeFAU/spidermini-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
