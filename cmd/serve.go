package cmd

import (
	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/config"
	"github.com/urfave/cli/v2"
)

var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the coordinator API (Request Handler websocket + metrics)",
	Flags: flags,
	Action: func(ctx *cli.Context) error {
		return Serve()
	},
}

var flags = []cli.Flag{
	&cli.IntFlag{
		Name:        "port",
		Aliases:     []string{"p"},
		Value:       6080,
		Usage:       "Port to expose the websocket and metrics endpoints on",
		EnvVars:     []string{"REACTORCIDE_PORT", "PORT"},
		Destination: &config.Port,
	},
	&cli.StringFlag{
		Name:        "auth-oracle-url",
		Usage:       "External auth oracle URL SESSION_INIT authenticates against",
		Value:       config.AuthOracleURL,
		EnvVars:     []string{"REACTORCIDE_AUTH_ORACLE_URL"},
		Destination: &config.AuthOracleURL,
	},
}
