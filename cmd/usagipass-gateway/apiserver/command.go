package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/usagipass/gateway/internal/business"
	"github.com/usagipass/gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"UsagiPass session proxy and interception gateway",
		"Serves the session proxy in front of the upstream API and, unless disabled, the traffic interception gateway.",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
