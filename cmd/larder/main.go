// Command larder manages an incremental materialization store from the
// command line.
package main

import "github.com/mesh-intelligence/larder/internal/cli"

func main() {
	cli.Execute()
}
