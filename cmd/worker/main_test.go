package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/app"
	_ "github.com/contamx/contamx/internal/testing/guard"
	"github.com/contamx/contamx/jobs"
)

func TestMainSkipsInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}

func TestCronRegistrations(t *testing.T) {
	cfg := &app.Config{
		CronSweep:     "*/15 * * * *",
		CronSnapshots: "30 2 * * *",
		CronEFOS:      "0 6 * * *",
		CronIntegrity: "0 3 * * *",
	}
	regs, err := cronRegistrations(cfg)
	require.NoError(t, err)
	require.Len(t, regs, 4)

	types := make(map[string]string, len(regs))
	for _, reg := range regs {
		types[reg.Task.Type()] = reg.Spec
	}
	require.Equal(t, "*/15 * * * *", types[jobs.TaskSyncSweep])
	require.Equal(t, "30 2 * * *", types[jobs.TaskSnapshotRebuild])
	require.Equal(t, "0 6 * * *", types[jobs.TaskEFOSRefresh])
	require.Equal(t, "0 3 * * *", types[jobs.TaskLedgerIntegrity])
}
