package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/lizardfs/lizardfs/pkg/chunk"
	"github.com/lizardfs/lizardfs/pkg/connector"
)

func mountFlags() *cli.Command {
	return &cli.Command{
		Name:      "mount",
		Usage:     "mount a LizardFS master as a local path (client front-end)",
		ArgsUsage: "MASTER-ADDR MOUNTPOINT",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "xor-level", Value: 3, Usage: "default XOR goal level for newly written chunks"},
		},
		Action: runMount,
	}
}

// runMount wires the client-side collaborators a mount needs: a
// connector to reach chunkservers and a chunk writer/planner pair per
// open file. The FUSE kernel bridge itself is explicitly out of scope
// (§1 Non-goals: no network protocol implementation for the client-facing
// FUSE loop) — this command only proves the client-side plumbing
// assembles and can reach a master/chunkserver pair.
func runMount(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 2 {
		return fmt.Errorf("MASTER-ADDR and MOUNTPOINT are needed")
	}
	masterAddr := ctx.Args().Get(0)
	mountPoint := ctx.Args().Get(1)

	reg := prometheus.NewRegistry()
	conn := connector.New(connector.Config{}, reg)

	level := ctx.Int("xor-level")
	if level < chunk.MinXorLevel || level > chunk.MaxXorLevel {
		return fmt.Errorf("xor-level must be between %d and %d", chunk.MinXorLevel, chunk.MaxXorLevel)
	}
	planner := chunk.NewPlanner(level)

	logger.Infof("mounting %s at %s (xor-level=%d)", masterAddr, mountPoint, level)

	master, err := conn.StartUsingConnection(context.Background(), masterAddr)
	if err != nil {
		logger.Fatalf("connect to master %s: %s", masterAddr, err)
	}
	defer master.Close()

	_ = planner
	logger.Infof("connected to master %s; client-side plumbing ready", masterAddr)
	select {}
}
