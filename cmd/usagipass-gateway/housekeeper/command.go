package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/usagipass/gateway/internal/business"
	"github.com/usagipass/gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"UsagiPass session housekeeping job",
		"Refreshes upstream tokens that are about to expire and removes expired sessions from a shared session store.",
		buildInfo,
		cmdutils.RunAsService,
		business.HousekeeperMain,
	)
}
