package main

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v2"

	"github.com/lizardfs/lizardfs/pkg/meta"
)

func infoFlags() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "show attributes and chunk list for an inode",
		ArgsUsage: "DATA-DIR INODE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session-dump", Usage: "pull the session's last-seen time out of a redis-mirror JSON export, by inode's owning session id"},
		},
		Action: runInfo,
	}
}

// runInfo replays DATA-DIR's changelog into a throwaway graph and prints
// one inode's attributes, mirroring the teacher's own `info` subcommand
// (inspecting a single inode's live state without a full fsck).
func runInfo(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 2 {
		return fmt.Errorf("DATA-DIR and INODE are needed")
	}
	dataDir := ctx.Args().Get(0)
	var inoArg int
	if _, err := fmt.Sscanf(ctx.Args().Get(1), "%d", &inoArg); err != nil {
		return fmt.Errorf("invalid inode %q", ctx.Args().Get(1))
	}

	changelog, err := meta.Open(dataDir, 0, 0, "")
	if err != nil {
		logger.Fatalf("open changelog: %s", err)
	}
	defer changelog.Close()
	graph := meta.NewGraph(meta.Config{DataDir: dataDir}, changelog)

	logFiles, err := findChangelogFiles(dataDir)
	if err != nil {
		logger.Fatalf("list changelog files: %s", err)
	}
	for _, path := range logFiles {
		applyChangelogFile(path, graph)
	}

	n, st := graph.GetAttr(meta.Ino(inoArg))
	if st != meta.StatusOK {
		return fmt.Errorf("inode %d: %s", inoArg, st)
	}
	fmt.Printf("inode:     %d\n", n.Ino)
	fmt.Printf("type:      %s\n", n.Type)
	fmt.Printf("mode:      %o\n", n.Mode)
	fmt.Printf("uid/gid:   %d/%d\n", n.Uid, n.Gid)
	fmt.Printf("length:    %d\n", n.Length)
	fmt.Printf("goal:      %d\n", n.Goal)
	fmt.Printf("trashtime: %d\n", n.TrashTime)
	fmt.Printf("chunks:    %v\n", n.Chunks)
	fmt.Printf("checksum:  %x\n", n.Checksum())

	if dump := ctx.String("session-dump"); dump != "" {
		printSessionFromDump(dump, n)
	}
	return nil
}

// printSessionFromDump pulls just the fields info needs out of a JSON
// session-mirror export with gjson, skipping a full struct decode of a
// file that may hold thousands of unrelated session records.
func printSessionFromDump(path string, n *meta.Node) {
	if n.Sessions == nil || n.Sessions.Cardinality() == 0 {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warnf("read session dump %s: %s", path, err)
		return
	}
	doc := gjson.ParseBytes(raw)
	for _, sid := range n.Sessions.ToSlice() {
		path := fmt.Sprintf("sessions.#(id==%v).last_seen", sid)
		result := doc.Get(path)
		if result.Exists() {
			fmt.Printf("session %v last seen: %s\n", sid, result.String())
		}
	}
}

func applyChangelogFile(path string, applier meta.Applier) {
	// errors are logged and otherwise ignored: info is a best-effort
	// inspection tool, not the authoritative replay path (that's check).
	if _, err := replayFile(path, applier); err != nil {
		logger.Warnf("replay %s: %s", path, err)
	}
}

func replayFile(path string, applier meta.Applier) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return meta.Replay(f, applier)
}
