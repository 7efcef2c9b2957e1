// cabinetcore is the edge control process for a greenhouse/industrial
// relay cabinet: it drives the CAN relay fleet, evaluates automation
// strategies, and serves liveness/readiness over HTTP while the JSON-RPC
// and MQTT cloud bridges (external collaborators) talk to pkg/core.
package main

import (
	"fmt"
	"os"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
