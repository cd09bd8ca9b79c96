//go:build integration

package integration_test

import (
	"testing"
	"time"
)

func TestHousekeeper(t *testing.T) {
	const cmdName = "housekeeper"

	ctx := t.Context()

	istat := initInfra(t, cmdName)
	defer istat.Close(ctx)

	istat.PrepareValKey(t)
	istat.PrepareUpstream(t)
	istat.PrepareConfig(t)

	stop := istat.Start(t, cmdName)
	defer stop()

	// Let it run a few housekeeping rounds before the graceful stop.
	time.Sleep(3 * time.Second)
}
