package main

import (
	"os"

	"guardwatch.ai/internal/platform/config"
)

func main() {
	var envCfg config.AdminEnv
	if err := config.ParseEnv(&envCfg); err != nil {
		config.Exitf("%v", err)
	}
	if err := newRootCmd(envCfg).Execute(); err != nil {
		os.Exit(1)
	}
}
