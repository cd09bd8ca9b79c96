package migrate

import (
	"github.com/spf13/cobra"

	"github.com/usagipass/gateway/internal/business"
	"github.com/usagipass/gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"UsagiPass session store migrations",
		"Applies the postgres session store migrations. Other backends are left untouched.",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
