package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"

	"tracklens/internal/config"
	"tracklens/internal/pipeline"
	"tracklens/internal/store"
)

func captureConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	var got *config.Config
	app := &cli.App{
		Flags: globalFlags,
		Commands: []*cli.Command{{
			Name:  "run",
			Flags: pipelineFlags,
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				got = cfg
				return err
			},
		}},
	}
	require.NoError(t, app.Run(append([]string{"tracklens"}, args...)))
	require.NotNil(t, got)
	return got
}

func TestLoadConfig_Flags(t *testing.T) {
	cfg := captureConfig(t, "--log-level", "debug", "run",
		"--source", "rtsp", "--url", "rtsp://cam.local/live",
		"--tracking", "native", "--native-tracker", "botsort",
		"--confidence", "0.6", "--write", "--output-dir", "/tmp/out")

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, pipeline.SourceRTSP, cfg.Source.Kind)
	assert.Equal(t, "rtsp://cam.local/live", cfg.Source.URL)
	assert.Equal(t, pipeline.TrackingNative, cfg.Tracking.Mode)
	assert.Equal(t, pipeline.NativeBoTSORT, cfg.Tracking.Native)
	assert.InDelta(t, 0.6, cfg.Detector.Confidence, 1e-9)
	assert.True(t, cfg.Output.Write)
	assert.Equal(t, "/tmp/out", cfg.Output.Dir)
	require.NoError(t, cfg.Validate())

	// Unset flags keep the defaults
	assert.Equal(t, config.Default().Detector.Endpoint, cfg.Detector.Endpoint)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("TRACKLENS_SOURCE", "webcam")
	t.Setenv("TRACKLENS_SOURCE_DEVICE", "2")
	t.Setenv("TRACKLENS_DETECTOR", "grpc")

	cfg := captureConfig(t, "run")
	assert.Equal(t, pipeline.SourceWebcam, cfg.Source.Kind)
	assert.Equal(t, 2, cfg.Source.Device)
	assert.Equal(t, "grpc", cfg.Detector.Backend)
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	app := &cli.App{
		Writer:   &out,
		Commands: []*cli.Command{{Name: "hash-password", Action: hashPasswordAction}},
	}
	require.NoError(t, app.Run([]string{"tracklens", "hash-password", "hunter2"}))
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))

	assert.Error(t, app.Run([]string{"tracklens", "hash-password"}))
}

func TestRunsCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	st, err := openStore(db)
	require.NoError(t, err)
	require.NoError(t, st.CreateRun(&store.RunRecord{
		ID: "run-7", Pipeline: "lobby", Source: "file:clip.mp4",
		SourceKind: pipeline.SourceFile, Tracking: pipeline.TrackingSORT,
		StartedAt: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, st.SaveTracks("run-7", []store.TrackSummary{
		{TrackID: 3, Class: "person", FirstSeq: 2, LastSeq: 40, Frames: 39, MaxConfidence: 0.91},
	}))
	require.NoError(t, st.Close())

	var out bytes.Buffer
	app := &cli.App{
		Writer: &out,
		Flags:  globalFlags,
		Commands: []*cli.Command{{
			Name:   "runs",
			Flags:  []cli.Flag{&cli.StringFlag{Name: flagName}, &cli.IntFlag{Name: flagLimit, Value: 20}},
			Action: listRunsAction,
			Subcommands: []*cli.Command{
				{Name: "show", Action: showRunAction},
				{Name: "prune", Flags: []cli.Flag{&cli.DurationFlag{Name: flagOlderThan}}, Action: pruneRunsAction},
			},
		}},
	}

	require.NoError(t, app.Run([]string{"tracklens", "--db", db, "runs"}))
	assert.Contains(t, out.String(), "run-7")
	assert.Contains(t, out.String(), "lobby")

	out.Reset()
	require.NoError(t, app.Run([]string{"tracklens", "--db", db, "runs", "show", "run-7"}))
	assert.Contains(t, out.String(), "person")
	assert.Contains(t, out.String(), "0.91")

	out.Reset()
	require.NoError(t, app.Run([]string{"tracklens", "--db", db, "runs", "prune", "--older-than", "24h"}))
	assert.Contains(t, out.String(), "deleted 1 runs")

	assert.Error(t, app.Run([]string{"tracklens", "--db", db, "runs", "show", "run-7"}))
}
