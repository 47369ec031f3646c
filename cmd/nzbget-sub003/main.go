// Package main is the nzbget-sub003 daemon executable.
package main

import (
	"flag"
	"os"

	"github.com/nzbget/nzbget-sub003/cmn/nlog"
	"github.com/nzbget/nzbget-sub003/daemon"
)

var configPath = flag.String("config", "", "path to the INI configuration file")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	app, err := daemon.Bootstrap(*configPath)
	if err != nil {
		nlog.Fatalf("daemon: bootstrap failed: %v", err)
	}

	return app.Run()
}
