package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssmcore/mangamerged/internal/catalog"
	"github.com/ssmcore/mangamerged/internal/chapterscan"
	"github.com/ssmcore/mangamerged/internal/comick"
	"github.com/ssmcore/mangamerged/internal/config"
	"github.com/ssmcore/mangamerged/internal/cover"
	"github.com/ssmcore/mangamerged/internal/daemon"
	"github.com/ssmcore/mangamerged/internal/flaresolverr"
	"github.com/ssmcore/mangamerged/internal/fswatch"
	"github.com/ssmcore/mangamerged/internal/gateway"
	"github.com/ssmcore/mangamerged/internal/logging"
	"github.com/ssmcore/mangamerged/internal/merge"
	"github.com/ssmcore/mangamerged/internal/metadata"
	"github.com/ssmcore/mangamerged/internal/metastate"
	"github.com/ssmcore/mangamerged/internal/mount"
	"github.com/ssmcore/mangamerged/internal/scanqueue"
	"github.com/ssmcore/mangamerged/internal/trigger"
)

var log = logging.New("cmd")

// findmntTimeout and renameStabilizationWindow have no settings.yml knob;
// the config schema only exposes the knobs SPEC_FULL.md names explicitly.
// These are fixed, conservative defaults.
const (
	findmntTimeout            = 5 * time.Second
	renameStabilizationWindow = 10 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the merge daemon",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("dry-run", false, "run one merge pass and exit instead of starting the background loop")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}

	worker := daemon.NewWorker(pipeline, daemon.Config{TickInterval: time.Duration(cfg.Scan.MergeIntervalSeconds) * time.Second})

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if dryRun {
		worker.TickNow()
		log.Infof("one-shot merge pass complete")
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	worker.Start(ctx)
	log.Infof("daemon started, sources=%q override=%q merged=%q", cfg.Paths.SourcesRoot, cfg.Paths.OverrideRoot, cfg.Paths.MergedRoot)

	<-ctx.Done()
	log.Infof("shutting down")
	worker.Stop()

	return nil
}

// buildPipeline wires every package the daemon depends on from cfg,
// following the data flow in SPEC_FULL.md's overview: filesystem events →
// trigger pipeline → coalescer → merge workflow → (branch planner + mount
// executor) + (metadata coordinator → gateway → cover/details services) →
// state store and catalog updates. ctx bounds every merge pass the
// returned pipeline dispatches.
func buildPipeline(ctx context.Context, cfg *config.Config) (*trigger.Pipeline, error) {
	cat, err := catalog.Load(cfg.MangaEquivalentsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load equivalence catalog: %w", err)
	}

	sceneTags, err := config.LoadSceneTags(cfg.SceneTagsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load scene tags: %w", err)
	}

	sourcePriority, err := config.LoadSourcePriority(cfg.SourcePriorityPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load source priority: %w", err)
	}

	store := metastate.NewStore(filepath.Join(cfg.Paths.ConfigRoot, "state", "metadata_state.json"))

	comickClient := comick.NewClient(cfg.Comick)
	flareClient := flaresolverr.NewClient(cfg.Cloudflare)
	gw := gateway.New(comickClient, flareClient, store, cfg.Cloudflare.DirectRetryInterval)

	coverSvc := cover.New(&http.Client{Timeout: cfg.Comick.Timeout})

	coordinator := metadata.New(gw, cat, store, coverSvc, cfg.Comick.CoverBaseURL, cfg.Merge.CooldownWindow)

	mergeCfg := merge.Config{
		SourcesRoot:         cfg.Paths.SourcesRoot,
		OverrideRoot:        cfg.Paths.OverrideRoot,
		MergedRoot:          cfg.Paths.MergedRoot,
		BranchLinksRoot:     cfg.Paths.BranchLinksRoot,
		ConfigRoot:          cfg.Paths.ConfigRoot,
		ExcludedSourceNames: cfg.Merge.ExcludedSourceNames,
		SourcePriorityOrder: sourcePriority.Order,
		SceneTags:           sceneTags.Suffixes,
		MountActionTimeout:  cfg.Merge.MountActionTimeout,
		FindmntTimeout:      findmntTimeout,
		Binaries:            mount.Binaries{},
	}
	wf := merge.New(mergeCfg, cat, coordinator)

	monitor := fswatch.NewMonitor("", fswatch.Progressive)
	classifier := chapterscan.NewClassifier(cfg.Paths.SourcesRoot)
	enumerator := chapterscan.NewEnumerator(cfg.Paths.SourcesRoot)
	renamer := chapterscan.NewRenamer(sceneTags.Suffixes, renameStabilizationWindow)

	triggerCfg := trigger.Config{
		WatchRoots:        []string{cfg.Paths.SourcesRoot, cfg.Paths.OverrideRoot},
		PollTimeout:       time.Duration(cfg.Scan.PollTimeoutSeconds) * time.Second,
		RescanInterval:    time.Duration(cfg.Scan.RescanIntervalSeconds) * time.Second,
		MergeInterval:     time.Duration(cfg.Scan.MergeIntervalSeconds) * time.Second,
		LockRetryInterval: time.Duration(cfg.Scan.LockRetrySeconds) * time.Second,
		MinSpacing:        time.Duration(cfg.Scan.MinSpacingSeconds) * time.Second,
		ScanOnStartup:     cfg.Scan.ScanOnStartup,
	}

	mergeHandler := func(req scanqueue.Request) scanqueue.DispatchOutcome {
		return wf.Run(ctx, req)
	}

	return trigger.New(triggerCfg, monitor, classifier, enumerator, renamer, mergeHandler, time.Now()), nil
}
