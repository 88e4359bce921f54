/*
This command provides an executable version of filtergate, loading the
filters from the configured directories.

For the list of command line options, run:

	filtergate -help

For details about the filter sources, please see the documentation of the
root filtergate package.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/zalando/filtergate"
	"github.com/zalando/filtergate/config"
	"github.com/zalando/filtergate/logging"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	lo, err := cfg.LogOptions()
	if err != nil {
		log.Fatal(err)
	}

	logging.Init(lo)

	log.Fatal(filtergate.Run(cfg.ToOptions(), cfg.Address))
}
