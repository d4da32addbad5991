package main

import (
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("tap-agent", "github.com/graphprotocol/tap-sender-agent/cmd/tap-agent")
var version = "dev"

func init() {
	logging.InstantiateLoggers(logging.WithDefaultLevel(zap.ErrorLevel))
}

func main() {
	Run(
		"tap-agent",
		"TAP per-sender accounting agent",
		ConfigureVersion(version),
		OnCommandErrorLogAndExit(zlog),

		runCmd,
	)
}
