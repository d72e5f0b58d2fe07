package main

import (
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/fabricla/connector/cmd/collector/cmd"
	"github.com/fabricla/connector/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := godotenv.Load(); err != nil {
		log.Debugf("No .env file loaded: %s", err)
	}
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
