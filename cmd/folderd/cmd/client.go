package cmd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/folder-mcp/folderd/internal/apiclient"
	"github.com/folder-mcp/folderd/internal/config"
)

// daemonURL builds the daemon's base URL from configuration.
func daemonURL(cfg *config.Config) string {
	return "http://" + net.JoinHostPort(cfg.Daemon.Host, strconv.Itoa(cfg.Daemon.Port))
}

// newClient loads the configuration and returns a client pointed at the
// configured daemon address.
func newClient() (*apiclient.Client, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	client, err := apiclient.New(apiclient.Options{BaseURL: daemonURL(cfg)})
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}
