package main

import (
	"fmt"
	"os"

	"github.com/erikdubbelboer/gspt"
	"github.com/google/gops/agent"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/lizardfs/lizardfs/pkg/utils"
	"github.com/lizardfs/lizardfs/pkg/version"
)

var logger = utils.GetLogger("lizardfs")

func setLoggerLevel(ctx *cli.Context) {
	if ctx.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if ctx.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	}
}

func main() {
	gspt.SetProcTitle(os.Args[0])

	app := &cli.App{
		Name:    "lizardfs",
		Usage:   "a distributed POSIX filesystem",
		Version: version.Version(),
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
			&cli.BoolFlag{Name: "quiet", Usage: "only log warnings and above"},
			&cli.BoolFlag{Name: "gops", Usage: "enable a gops agent for live diagnostics"},
		},
		Before: func(ctx *cli.Context) error {
			if name := ctx.Args().First(); name != "" {
				utils.SetProcessRole(name)
			}
			if ctx.Bool("gops") {
				if err := agent.Listen(agent.Options{}); err != nil {
					logger.Warnf("gops agent: %s", err)
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			masterFlags(),
			chunkserverFlags(),
			mountFlags(),
			checkFlags(),
			infoFlags(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
