package check

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casebook-app/migrate/internal/conf"
	"github.com/casebook-app/migrate/internal/errors"
)

func readyForNotify() *conf.Settings {
	return &conf.Settings{
		FrontendURL: "https://app.example.com",
		Database:    conf.DatabaseSettings{Driver: "postgres", DSN: "postgres://u:secret@db/casebook"},
	}
}

func TestCheckSelectedStage(t *testing.T) {
	res, err := Check(readyForNotify(), conf.StageNotify)
	require.NoError(t, err)
	require.Len(t, res.Stages, 1)
	assert.True(t, res.Stages[0].Ready)

	for _, e := range res.Settings {
		assert.NotContains(t, e.Value, "secret", e.Key)
	}
}

func TestCheckAllListsEveryStage(t *testing.T) {
	res, err := Check(readyForNotify(), conf.StageAll)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	require.Len(t, res.Stages, 4)
	byStage := map[conf.Stage]StageReadiness{}
	for _, r := range res.Stages {
		byStage[r.Stage] = r
	}
	assert.True(t, byStage[conf.StageNotify].Ready)
	assert.False(t, byStage[conf.StageUsers].Ready)
	assert.Contains(t, byStage[conf.StageUsers].Missing, "missing required variable CLERK_SECRET_KEY")
	assert.Contains(t, byStage[conf.StageDocuments].Missing, "missing required variable GCS_BUCKET_NAME")
}

func TestCheckUnknownStage(t *testing.T) {
	res, err := Check(readyForNotify(), "billing")
	assert.Nil(t, res)
	assert.True(t, errors.IsValidation(err))
}
