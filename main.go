// tb-power routes power commands from a region controller to rack
// controllers.
//
// Usage:
//
//	tb-power region                      # run the region controller
//	tb-power rack --region wss://...     # run a rack controller agent
//	tb-power power on abc123 --cluster rack-a --type ipmi -p power_address=10.0.0.5
package main

import "github.com/tinkerbelle-io/tb-power/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
