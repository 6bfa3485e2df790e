package main

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattwatch/pkg/config"
)

// configureLogger builds the process logger: --log-level takes precedence over the config file.
// Logs go to w so they never interleave with event output on stdout.
func configureLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) (*logrus.Logger, error) {
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}

	logger := cfg.NewLogger()
	logger.SetOutput(w)
	return logger, nil
}
