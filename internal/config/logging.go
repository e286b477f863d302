package config

import (
	"github.com/catalystcommunity/app-utils-go/env"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/sirupsen/logrus"
)

// LogFormat selects the logrus formatter ConfigureLogging installs: "json"
// for production log aggregation, anything else for the human-readable
// text formatter used in development.
var LogFormat = env.GetEnvOrDefault("REACTORCIDE_LOG_FORMAT", "json")

// ConfigureLogging installs the formatter named by LogFormat on the
// process-wide logger. Called once at startup before any component logs.
func ConfigureLogging() {
	if LogFormat == "text" {
		logging.Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return
	}
	logging.Log.SetFormatter(&logrus.JSONFormatter{})
}
