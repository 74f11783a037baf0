package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/issue-orchestrator/internal/config"
	"github.com/hochfrequenz/issue-orchestrator/web/client"
)

var (
	configPath string
	serverURL  string
	rootCmd    = &cobra.Command{
		Use:   "issue-orch",
		Short: "Issue Orchestrator - turns issues into reviewed pull requests",
		Long: `Issue Orchestrator watches repositories for new issues, generates a change
for each one, opens a pull request and iterates on automated review feedback
until the change is approved or the iteration budget is spent.

Run "issue-orch serve" to start the orchestrator; the other commands talk to
a running instance over its Control API.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Control API URL (default from config, or $ISSUEORCH_SERVER)")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// apiClient returns a client for the server named by --server, the
// environment or the config file, in that order
func apiClient() (*client.Client, error) {
	url := serverURL
	if url == "" {
		url = os.Getenv("ISSUEORCH_SERVER")
	}
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		url = "http://" + cfg.Web.Addr()
	}
	return client.New(url), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
