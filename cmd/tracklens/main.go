// Package main is the tracklens command: it runs detection and tracking
// pipelines over images, video files and live streams.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig     = "config"
	flagLogLevel   = "log-level"
	flagLogFormat  = "log-format"
	flagName       = "name"
	flagSource     = "source"
	flagPath       = "path"
	flagURL        = "url"
	flagDevice     = "device"
	flagFPS        = "fps"
	flagDetector   = "detector"
	flagEndpoint   = "endpoint"
	flagModel      = "model"
	flagConfidence = "confidence"
	flagTracking   = "tracking"
	flagNative     = "native-tracker"
	flagWrite      = "write"
	flagOutputDir  = "output-dir"
	flagServe      = "serve"
	flagAddr       = "addr"
	flagDB         = "db"
	flagStart      = "start"
	flagLimit      = "limit"
	flagOlderThan  = "older-than"
)

func envVar(name string) []string {
	return []string{"TRACKLENS_" + name}
}

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    flagConfig,
		Aliases: []string{"c"},
		Usage:   "load configuration from `FILE`",
		EnvVars: envVar("CONFIG"),
	},
	&cli.StringFlag{
		Name:    flagLogLevel,
		Usage:   "log level (debug, info, warn, error)",
		EnvVars: envVar("LOG_LEVEL"),
	},
	&cli.StringFlag{
		Name:    flagLogFormat,
		Usage:   "log format (console, json)",
		EnvVars: envVar("LOG_FORMAT"),
	},
	&cli.StringFlag{
		Name:    flagDB,
		Usage:   "run history database `PATH`, empty to disable",
		EnvVars: envVar("DB"),
	},
}

var pipelineFlags = []cli.Flag{
	&cli.StringFlag{Name: flagName, Usage: "pipeline name", EnvVars: envVar("PIPELINE")},
	&cli.StringFlag{Name: flagSource, Usage: "source kind (image, file, webcam, rtsp, remote)", EnvVars: envVar("SOURCE")},
	&cli.StringFlag{Name: flagPath, Usage: "image or video `FILE`", EnvVars: envVar("SOURCE_PATH")},
	&cli.StringFlag{Name: flagURL, Usage: "rtsp:// stream or hosted video page `URL`", EnvVars: envVar("SOURCE_URL")},
	&cli.IntFlag{Name: flagDevice, Usage: "webcam index", EnvVars: envVar("SOURCE_DEVICE")},
	&cli.IntFlag{Name: flagFPS, Usage: "capture rate for live sources, 0 = native", EnvVars: envVar("SOURCE_FPS")},
	&cli.StringFlag{Name: flagDetector, Usage: "inference backend (http, grpc)", EnvVars: envVar("DETECTOR")},
	&cli.StringFlag{Name: flagEndpoint, Usage: "inference service address", EnvVars: envVar("DETECTOR_ENDPOINT")},
	&cli.StringFlag{Name: flagModel, Usage: "model identifier forwarded to the backend", EnvVars: envVar("DETECTOR_MODEL")},
	&cli.Float64Flag{Name: flagConfidence, Usage: "minimum detection confidence in [0, 1]", EnvVars: envVar("CONFIDENCE")},
	&cli.StringFlag{Name: flagTracking, Usage: "tracking mode (off, sort, native)", EnvVars: envVar("TRACKING")},
	&cli.StringFlag{Name: flagNative, Usage: "backend tracker for native mode (bytetrack, botsort)", EnvVars: envVar("NATIVE_TRACKER")},
	&cli.BoolFlag{Name: flagWrite, Usage: "write the annotated output to disk", EnvVars: envVar("WRITE")},
	&cli.StringFlag{Name: flagOutputDir, Usage: "artifact `DIR`", EnvVars: envVar("OUTPUT_DIR")},
	&cli.StringFlag{Name: flagAddr, Usage: "preview server listen address", EnvVars: envVar("ADDR")},
}

func main() {
	app := &cli.App{
		Name:            "tracklens",
		Usage:           "detect, track and annotate objects in images and video streams",
		HideHelpCommand: true,
		Flags:           globalFlags,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "process one source until it ends or is interrupted",
				UsageText: "tracklens run --source file --path clip.mp4 --write",
				Flags: append(append([]cli.Flag{}, pipelineFlags...),
					&cli.BoolFlag{Name: flagServe, Usage: "serve the live preview while processing"},
				),
				Action: runAction,
			},
			{
				Name:  "serve",
				Usage: "start the preview server and pipeline control API",
				Flags: append(append([]cli.Flag{}, pipelineFlags...),
					&cli.BoolFlag{Name: flagStart, Usage: "start the configured pipeline immediately"},
				),
				Action: serveAction,
			},
			{
				Name:   "runs",
				Usage:  "list processed runs",
				Flags:  []cli.Flag{&cli.StringFlag{Name: flagName, Usage: "only runs of this pipeline"}, &cli.IntFlag{Name: flagLimit, Value: 20}},
				Action: listRunsAction,
				Subcommands: []*cli.Command{
					{
						Name:      "show",
						Usage:     "show one run with its tracks",
						ArgsUsage: "RUN_ID",
						Action:    showRunAction,
					},
					{
						Name:  "prune",
						Usage: "delete runs older than a duration",
						Flags: []cli.Flag{
							&cli.DurationFlag{Name: flagOlderThan, Usage: "age of the runs to delete", Required: true},
						},
						Action: pruneRunsAction,
					},
				},
			},
			{
				Name:      "hash-password",
				Usage:     "print a bcrypt hash for server.password",
				ArgsUsage: "PASSWORD",
				Action:    hashPasswordAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tracklens: %v\n", err)
		os.Exit(1)
	}
}
