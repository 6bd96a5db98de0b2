//go:build no_automation

package main

import (
	"log/slog"

	"cellnode/internal/node"
	"cellnode/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *node.Node, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
