package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/rongwang/fieldops-server/internal/cli"
	"github.com/rongwang/fieldops-server/internal/config"
	"github.com/rongwang/fieldops-server/internal/service"
	"github.com/rongwang/fieldops-server/internal/utils"
)

func connect(opts *cli.RootOptions) (*cli.Env, error) {
	cfg := config.LoadConfig()
	logger := utils.NewLogger(cfg.Log)
	// Keep stdout for command output.
	logger.SetOutput(os.Stderr)
	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	svc, repo, closeFn, err := service.Bootstrap(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &cli.Env{Service: svc, Users: repo, Close: closeFn}, nil
}

func main() {
	cmd := cli.NewRootCommand(connect)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
