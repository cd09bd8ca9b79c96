package gateway

import (
	"github.com/spf13/cobra"

	"github.com/usagipass/gateway/internal/business"
	"github.com/usagipass/gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"intercept-gateway",
		"UsagiPass traffic interception gateway",
		"Serves only the traffic interception gateway. It needs no session store.",
		buildInfo,
		cmdutils.RunAsService,
		business.GatewayMain,
	)
}
