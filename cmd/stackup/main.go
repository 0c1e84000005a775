// Command stackup launches a stack of services in dependency order and
// waits for it to settle.
package main

import "os"

func main() {
	os.Exit(execute(os.Args[1:]))
}
