// Command meterlink provisions energy meters over BLE and talks to the
// energy backend.
package main

import "os"

func main() {
	os.Exit(NewCli().Execute())
}
