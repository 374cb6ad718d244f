// Copyright 2025 The eigenswarm Authors
// This file is part of the eigenswarm library.
//
// The eigenswarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The eigenswarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the eigenswarm library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:   3,
		EnvVars: []string{"KEEPER_VERBOSITY"},
	}
	logJSONFlag = &cli.BoolFlag{
		Name:    "log.json",
		Usage:   "Format logs with JSON",
		EnvVars: []string{"KEEPER_LOG_JSON"},
	}
	logFileFlag = &cli.StringFlag{
		Name:    "log.file",
		Usage:   "Write logs to a file, rotated at 100MB",
		EnvVars: []string{"KEEPER_LOG_FILE"},
	}
)

var logFlags = []cli.Flag{verbosityFlag, logJSONFlag, logFileFlag}

// setupLogging configures the process-wide logger from the CLI flags.
func setupLogging(ctx *cli.Context) {
	var output io.Writer = os.Stderr
	if file := ctx.String(logFileFlag.Name); file != "" {
		output = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 10,
			Compress:   true,
		})
	}
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	var handler slog.Handler
	if ctx.Bool(logJSONFlag.Name) {
		handler = log.JSONHandlerWithLevel(output, level)
	} else {
		useColor := output == io.Writer(os.Stderr) && isatty.IsTerminal(os.Stderr.Fd())
		handler = log.NewTerminalHandlerWithLevel(output, level, useColor)
	}
	log.SetDefault(log.NewLogger(handler))
}
