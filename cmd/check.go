package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lizardfs/lizardfs/pkg/meta"
	"github.com/lizardfs/lizardfs/pkg/utils"
)

// countingReader taps a spinner on every Read so the progress bar tracks
// bytes consumed from the changelog file, mirroring the teacher's own
// spinner-driven scan loops.
type countingReader struct {
	r    io.Reader
	spin *utils.CountSpinner
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.spin.Increment()
	}
	return n, err
}

// findChangelogFiles returns every changelog.<version>.lfs file in dir,
// sorted by the numeric starting version in its name (the master's
// rotation naming does not zero-pad the version).
func findChangelogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	start := map[string]uint64{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "changelog.") || !strings.HasSuffix(name, ".lfs") {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "changelog."), ".lfs"), 10, 64)
		if err != nil {
			continue
		}
		path := filepath.Join(dir, name)
		files = append(files, path)
		start[path] = v
	}
	sort.Slice(files, func(i, j int) bool { return start[files[i]] < start[files[j]] })
	return files, nil
}

func checkFlags() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "check consistency of the metadata graph",
		ArgsUsage: "DATA-DIR",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "suppress progress bars"},
		},
		Action: check,
	}
}

// check loads a changelog from DATA-DIR, replays it into a fresh graph,
// and reports any directory whose aggregated DirStats disagree with a
// from-scratch recount of its subtree (checksums are not verified). It plays the same
// role the teacher's fsck command does for object-store blocks, scoped
// instead to the in-memory graph this module owns (§4.8, §3 I3).
func check(ctx *cli.Context) error {
	setLoggerLevel(ctx)
	if ctx.Args().Len() < 1 {
		return fmt.Errorf("DATA-DIR is needed")
	}
	dataDir := ctx.Args().Get(0)

	changelog, err := meta.Open(dataDir, 0, 0, "")
	if err != nil {
		logger.Fatalf("open changelog: %s", err)
	}
	defer changelog.Close()

	g := meta.NewGraph(meta.Config{DataDir: dataDir}, changelog)

	logFiles, err := findChangelogFiles(dataDir)
	if err != nil {
		logger.Fatalf("list changelog files: %s", err)
	}

	progress := utils.NewProgress(ctx.Bool("quiet"))
	spin := progress.AddCountSpinner("Replayed records")
	var lastVersion uint64
	for _, path := range logFiles {
		f, err := os.Open(path)
		if err != nil {
			logger.Fatalf("open %s: %s", path, err)
		}
		v, err := meta.Replay(countingReader{f, spin}, g)
		f.Close()
		if err != nil {
			logger.Fatalf("replay %s: %s", path, err)
		}
		lastVersion = v
	}
	spin.Done()
	progress.Done()
	logger.Infof("replayed up to metaversion %d", lastVersion)

	broken := verifyStats(g)
	if len(broken) == 0 {
		logger.Infof("metadata graph is consistent")
		return nil
	}

	sort.Strings(broken)
	logger.Fatalf("%d inconsistencies found:\n%s", len(broken), joinLines(broken))
	return nil
}

// verifyStats recomputes each directory's aggregated Stats from its
// children and flags any that disagree with the incrementally maintained
// DirStats (I3).
func verifyStats(g *meta.Graph) []string {
	var broken []string
	root, st := g.GetAttr(meta.RootIno)
	if st != meta.StatusOK {
		return []string{"root inode missing"}
	}
	var walk func(n *meta.Node) meta.Stats
	walk = func(n *meta.Node) meta.Stats {
		if n.Type != meta.TypeDirectory {
			return n.Contribution()
		}
		var sum meta.Stats
		for name, childIno := range n.Children {
			child, st := g.GetAttr(childIno)
			if st != meta.StatusOK {
				broken = append(broken, fmt.Sprintf("dangling edge %s -> inode %d", name, childIno))
				continue
			}
			sum.Add(walk(child))
		}
		want := n.DirStats
		if want != sum {
			broken = append(broken, fmt.Sprintf("inode %d: DirStats %+v disagrees with recount %+v", n.Ino, want, sum))
		}
		s := n.Contribution()
		s.Dirs += sum.Dirs
		s.Files += sum.Files
		s.Inodes += sum.Inodes
		s.Chunks += sum.Chunks
		s.Length += sum.Length
		s.Size += sum.Size
		s.RealSize += sum.RealSize
		return s
	}
	walk(root)
	return broken
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += "  " + l + "\n"
	}
	return out
}
