package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/cmd/composer/cmd"
	"github.com/cbg-ethz/sigcomposer/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
