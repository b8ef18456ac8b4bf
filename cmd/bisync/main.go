package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/openmined/bisync/internal/plan"
	"github.com/openmined/bisync/internal/progress"
	"github.com/openmined/bisync/internal/propagate"
	"github.com/openmined/bisync/internal/tree"
	"github.com/openmined/bisync/internal/version"
	"github.com/openmined/bisync/internal/vio"
	"github.com/openmined/bisync/internal/vio/httpvio"
	"github.com/openmined/bisync/internal/vio/localfs"
)

var (
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "bisync",
	Short:   "Propagate a reconciliation plan between two replicas",
	Version: version.Detailed(),
	RunE:    run,
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("local", "l", "", "local replica root directory")
	rootCmd.Flags().StringP("remote", "r", "", "remote replica root (directory or http(s) URL)")
	rootCmd.Flags().StringP("plan", "p", "", "reconciliation plan file (JSON)")
	rootCmd.Flags().StringP("journal", "j", "", "progress journal path (default <local>/.bisync/progress.db)")
	_ = rootCmd.MarkFlagRequired("local")
	_ = rootCmd.MarkFlagRequired("remote")
	_ = rootCmd.MarkFlagRequired("plan")
}

func run(cmd *cobra.Command, _ []string) error {
	localRoot, _ := cmd.Flags().GetString("local")
	remoteRoot, _ := cmd.Flags().GetString("remote")
	planPath, _ := cmd.Flags().GetString("plan")
	journalPath, _ := cmd.Flags().GetString("journal")

	localRoot, err := resolvePath(localRoot)
	if err != nil {
		return fmt.Errorf("resolve local root: %w", err)
	}
	if journalPath == "" {
		journalPath = localRoot + "/.bisync/progress.db"
	}

	cmd.SilenceUsage = true
	fmt.Printf("%s %s\n", cyan("bisync"), version.Short())

	pl, err := plan.Load(planPath)
	if err != nil {
		return err
	}
	localTree, remoteTree, err := pl.Trees()
	if err != nil {
		return err
	}

	store, err := progress.NewStore(journalPath)
	if err != nil {
		return err
	}
	defer store.Close()

	remoteOps, remoteURI := remoteBackend(remoteRoot)

	runID := uuid.NewString()[:8]
	slog.Info("propagation start", "run", runID, "local", localRoot, "remote", remoteURI,
		"localEntries", localTree.Len(), "remoteEntries", remoteTree.Len())

	p := propagate.New(&propagate.Config{
		Local: propagate.ReplicaConfig{
			URI:            localRoot,
			Ops:            localfs.New(),
			Tree:           localTree,
			IgnoredCleanup: pl.IgnoredCleanupLocal,
		},
		Remote: propagate.ReplicaConfig{
			URI:            remoteURI,
			Ops:            remoteOps,
			Tree:           remoteTree,
			IgnoredCleanup: pl.IgnoredCleanupRemote,
		},
		Store:  store,
		Notify: logNotifications,
		UID:    uint32(os.Getuid()),
		EUID:   uint32(os.Geteuid()),
	})

	ctx := cmd.Context()
	go func() {
		<-ctx.Done()
		p.Abort()
	}()

	p.InitProgress()
	perr := p.Propagate(ctx, vio.Local)
	if perr == nil {
		perr = p.Propagate(ctx, vio.Remote)
	}
	p.FinalizeProgress()

	printSummary(localTree, remoteTree)

	if perr != nil {
		return fmt.Errorf("propagation failed (%s): %s", p.Status(), p.ErrorString())
	}
	return nil
}

// remoteBackend picks the VIO backend from the root's scheme.
func remoteBackend(root string) (vio.Ops, string) {
	if strings.HasPrefix(root, "http://") || strings.HasPrefix(root, "https://") {
		return httpvio.New(), strings.TrimRight(root, "/")
	}
	abs, err := resolvePath(root)
	if err != nil {
		abs = root
	}
	return localfs.New(), abs
}

// resolvePath expands a leading ~ and absolutizes the replica root.
func resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = home + path[1:]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func logNotifications(n *propagate.Notification) {
	switch n.Kind {
	case propagate.NotifyStartUpload, propagate.NotifyStartDownload:
		slog.Info("transfer", "kind", n.Kind, "path", n.Path,
			"size", humanize.Bytes(uint64(n.FileSize)), "file", fmt.Sprintf("%d/%d", n.FileNo, n.FileCount))
	case propagate.NotifyFinishedUpload, propagate.NotifyFinishedDownload:
		slog.Info("transfer", "kind", n.Kind, "path", n.Path,
			"overall", fmt.Sprintf("%s/%s", humanize.Bytes(uint64(n.OverallBytes)), humanize.Bytes(uint64(n.OverallSize))))
	case propagate.NotifyStartDelete, propagate.NotifyEndDelete:
		slog.Debug("delete", "kind", n.Kind, "path", n.Path)
	default:
		slog.Debug("sync", "kind", n.Kind)
	}
}

func printSummary(trees ...*tree.Tree) {
	var updated, deleted, failed int
	for _, t := range trees {
		t.Walk(func(e *tree.Entry) error {
			switch e.Instruction {
			case tree.InstrUpdated:
				updated++
			case tree.InstrDeleted:
				deleted++
			case tree.InstrError:
				failed++
			}
			return nil
		})
	}

	fmt.Printf("%s %d updated, %d deleted", green("done:"), updated, deleted)
	if failed > 0 {
		fmt.Printf(", %s", red(fmt.Sprintf("%d failed", failed)))
	}
	fmt.Println()
}

func main() {
	// optional .env file in the working directory (e.g. BISYNC_DEBUG)
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if os.Getenv("BISYNC_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
