package main

import (
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 10 * time.Minute}}

	cmd := &cobra.Command{
		Use:          "repos",
		Short:        "Foundry Repos CLI",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.server, "server", envOr("REPOS_SERVER", defaultServer), "server URL")
	flags.StringVar(&c.token, "token", os.Getenv("REPOS_TOKEN"), "admin token for publishing and maintenance")
	flags.StringVar(&c.username, "username", os.Getenv("REPOS_USERNAME"), "basic-auth username for reads")
	flags.StringVar(&c.password, "password", os.Getenv("REPOS_PASSWORD"), "basic-auth password for reads")

	cmd.AddCommand(
		pushCmd(c),
		pullCmd(c),
		infoCmd(c),
		artifactsCmd(c),
		listCmd(c),
		deleteCmd(c),
		tagCmd(c),
		compressCmd(c),
		expandCmd(c),
		gcCmd(c),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
