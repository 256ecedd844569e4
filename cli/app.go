// Package cli contains the camsolve command line: solving track files, converting them between
// versions and listing stored runs.
package cli

import (
	"context"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/camsolve/camsolve/logging"
)

const (
	// Flags.
	generalFlagDebug   = "debug"
	generalFlagQuiet   = "quiet"
	generalFlagLogFile = "log-file"

	solveFlagTracks   = "tracks"
	solveFlagConfig   = "config"
	solveFlagFocal    = "focal"
	solveFlagFilmBack = "film-back"
	solveFlagOut      = "out"
	solveFlagDB       = "db"
	solveFlagName     = "name"
	solveFlagPlot     = "plot"

	convertFlagIn      = "in"
	convertFlagOut     = "out"
	convertFlagVersion = "version"

	runsFlagDB = "db"
	runsFlagID = "id"

	logFileMetadataKey = "log-file-appender"
	logFileMaxSizeMB   = 64
)

var app = &cli.App{
	Name:            "camsolve",
	Usage:           "solve camera motion from 2D marker tracks",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "log the debug lines of the solve stages",
		},
		&cli.BoolFlag{
			Name:    generalFlagQuiet,
			Aliases: []string{"q"},
			Usage:   "suppress progress output",
		},
		&cli.PathFlag{
			Name:  generalFlagLogFile,
			Usage: "also write logs to `FILE`, rotated by size",
		},
	},
	Before: func(c *cli.Context) error {
		if c.App.Metadata == nil {
			c.App.Metadata = map[string]interface{}{}
		}
		if path := c.Path(generalFlagLogFile); path != "" {
			c.App.Metadata[logFileMetadataKey] = logging.NewFileAppender(path, logFileMaxSizeMB)
		}
		return nil
	},
	After: func(c *cli.Context) error {
		appender, ok := c.App.Metadata[logFileMetadataKey].(*logging.FileAppender)
		if !ok {
			return nil
		}
		delete(c.App.Metadata, logFileMetadataKey)
		return appender.Close()
	},
	Commands: []*cli.Command{
		{
			Name:      "solve",
			Usage:     "solve the camera of a track file",
			UsageText: "camsolve solve --tracks <file> [--config <file>] [--focal <mm>] [--film-back <w,h>] [--out <file>] [--db <file>]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     solveFlagTracks,
					Aliases:  []string{"t"},
					Required: true,
					Usage:    "track `FILE` to solve",
				},
				&cli.PathFlag{
					Name:    solveFlagConfig,
					Aliases: []string{"c"},
					Usage:   "solve options `FILE` (json, yaml or toml)",
				},
				&cli.Float64Flag{
					Name:  solveFlagFocal,
					Value: defaultFocalLength,
					Usage: "focal length in mm when the track file has no camera block",
				},
				&cli.StringFlag{
					Name:  solveFlagFilmBack,
					Value: "36,24",
					Usage: "film back `WIDTH,HEIGHT` in mm when the track file has no camera block",
				},
				&cli.PathFlag{
					Name:  solveFlagOut,
					Usage: "write the solved tracks with their 3D positions to `FILE`",
				},
				&cli.PathFlag{
					Name:  solveFlagDB,
					Usage: "store the run in the SQLite database at `FILE`",
				},
				&cli.StringFlag{
					Name:  solveFlagName,
					Usage: "name of the stored run, defaults to the track file name",
				},
				&cli.PathFlag{
					Name:  solveFlagPlot,
					Usage: "plot the per frame reprojection error to `FILE` (png, svg or pdf)",
				},
			},
			Action: SolveAction,
		},
		{
			Name:      "convert",
			Usage:     "rewrite a track file at another version",
			UsageText: "camsolve convert --in <file> --out <file> [--version <n>]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     convertFlagIn,
					Required: true,
					Usage:    "track `FILE` to read",
				},
				&cli.PathFlag{
					Name:     convertFlagOut,
					Required: true,
					Usage:    "track `FILE` to write",
				},
				&cli.IntFlag{
					Name:  convertFlagVersion,
					Usage: "file version to write, 1 to 5, defaults to the latest",
				},
			},
			Action: ConvertAction,
		},
		{
			Name:            "options",
			Usage:           "work with solve options",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:   "defaults",
					Usage:  "print the default options as json",
					Action: DefaultOptionsAction,
				},
				{
					Name:   "schema",
					Usage:  "print the json schema of option files",
					Action: OptionsSchemaAction,
				},
				{
					Name:      "check",
					Usage:     "validate an options file",
					ArgsUsage: "<file>",
					Action:    CheckOptionsAction,
				},
			},
		},
		{
			Name:            "runs",
			Usage:           "work with stored runs",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "list stored runs",
					Flags: []cli.Flag{
						&cli.PathFlag{Name: runsFlagDB, Required: true, Usage: "SQLite database `FILE`"},
					},
					Action: ListRunsAction,
				},
				{
					Name:  "show",
					Usage: "print the frames of a stored run",
					Flags: []cli.Flag{
						&cli.PathFlag{Name: runsFlagDB, Required: true, Usage: "SQLite database `FILE`"},
						&cli.UintFlag{Name: runsFlagID, Required: true, Usage: "run id"},
					},
					Action: ShowRunAction,
				},
				{
					Name:  "delete",
					Usage: "delete a stored run",
					Flags: []cli.Flag{
						&cli.PathFlag{Name: runsFlagDB, Required: true, Usage: "SQLite database `FILE`"},
						&cli.UintFlag{Name: runsFlagID, Required: true, Usage: "run id"},
					},
					Action: DeleteRunAction,
				},
			},
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}

// newLogger returns the logger for a command. Logs go to the app's error writer so the command
// output stays parseable.
func newLogger(c *cli.Context) logging.Logger {
	logger := logging.NewBlankLogger("camsolve")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	if appender, ok := c.App.Metadata[logFileMetadataKey].(*logging.FileAppender); ok {
		logger.AddAppender(appender)
	}
	logger.SetLevel(logging.INFO)
	return logger
}

// commandContext is the context commands run under. With --debug it is put in debug mode, so
// the stages it reaches log their debug lines tagged with one key per invocation.
func commandContext(c *cli.Context) context.Context {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if c.Bool(generalFlagDebug) && !logging.IsDebugMode(ctx) {
		ctx = logging.EnableDebugMode(ctx, "")
	}
	return ctx
}
