// Command arbor is the CLI entrypoint (D6): it parses flags, loads layered
// configuration, wires together the cache transports, scheduler, and
// metrics recorder, and drives the engine over a plan-described rule graph.
//
// Grounded on the reference tool's please.go (option struct shape, config
// loading then re-parsing for aliases, activeCommand dispatch) and
// src/plz/plz.go (signal-driven context, worker-pool bring-up order).
package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"hash"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/op/go-logging.v1"

	"github.com/arbor-build/arbor/engine"
	"github.com/arbor-build/arbor/internal/cache"
	"github.com/arbor-build/arbor/internal/config"
	"github.com/arbor-build/arbor/internal/hashcache"
	"github.com/arbor-build/arbor/internal/metrics"
	"github.com/arbor-build/arbor/internal/plan"
	"github.com/arbor-build/arbor/internal/scheduler"
	"github.com/arbor-build/arbor/rule"
)

// sha1New backs the FileHashCache (C1): a 20-byte digest matching
// rule.KeySize exactly, the same width manifest.Entry requires of every
// dep-file input hash it serializes.
func sha1New() hash.Hash { return sha1.New() }

// parseBytesOrZero parses a human-readable byte size (e.g. "10G"),
// returning 0 (meaning "no cleaning") on an empty or malformed value.
func parseBytesOrZero(s string) uint64 {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return n
}

var log = logging.MustGetLogger("arbor")

const version = "0.1.0"

var opts struct {
	RepoRoot   string   `short:"r" long:"repo_root" description:"Root of the repository; defaults to the working directory." default:"."`
	PlanFile   string   `long:"plan" description:"Path to the JSON rule-plan file describing the targets to build." default:"arbor-plan.json"`
	OutputRoot string   `short:"o" long:"output_root" description:"Build output directory." default:"arbor-out"`
	Verbosity  int      `short:"v" long:"verbosity" description:"Verbosity of output (higher = more)." default:"1"`
	KeepGoing  bool     `short:"k" long:"keep_going" description:"Don't stop on the first failed target."`
	NoCache    bool     `long:"no_cache" description:"Disable the artifact cache entirely."`
	Override   []string `long:"override" short:"O" description:"Config overrides in section.field=value form."`
	LogFile    string   `long:"log_file" description:"File to echo full logging output to."`
	Version    bool     `long:"version" description:"Print the version of the tool and exit."`

	Build struct {
		Args struct {
			Targets []string `positional-arg-name:"targets" description:"Targets to build" required:"true"`
		} `positional-args:"true" required:"true"`
	} `command:"build" description:"Builds one or more targets."`

	Clean struct {
		Args struct {
			Targets []string `positional-arg-name:"targets" description:"Targets to clean (default: everything)"`
		} `positional-args:"true"`
	} `command:"clean" description:"Cleans build artifacts." subcommands-optional:"true"`
}

func main() {
	parser, extraArgs, err := parseFlags("arbor", &opts, os.Args)
	if opts.Version {
		fmt.Printf("arbor version %s\n", version)
		os.Exit(0)
	}
	initLogging(opts.Verbosity, opts.LogFile, opts.Verbosity)

	command := activeCommand(parser)
	if err != nil || len(extraArgs) > 0 {
		parser.WriteHelp(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n%s\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "\nunknown arguments: %s\n", extraArgs)
		}
		os.Exit(1)
	}

	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.Warningf("adjusting GOMAXPROCS: %s", err)
	}

	repoRoot, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		log.Fatalf("resolving repo root: %s", err)
	}

	cfg, err := config.ReadFiles(config.StandardFiles(repoRoot))
	if err != nil {
		log.Fatalf("reading configuration: %s", err)
	}
	cfg.Build.KeepGoing = cfg.Build.KeepGoing || opts.KeepGoing
	if len(opts.Override) > 0 {
		if err := cfg.ApplyOverrides(parseOverrides(opts.Override)); err != nil {
			log.Fatalf("applying config overrides: %s", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "build":
		os.Exit(runBuild(ctx, cfg, repoRoot, opts.Build.Args.Targets))
	case "clean":
		os.Exit(runClean(cfg, opts.Clean.Args.Targets))
	default:
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
}

func parseOverrides(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, o := range raw {
		if k, v, ok := strings.Cut(o, "="); ok {
			out[k] = v
		}
	}
	return out
}

// runBuild loads the plan, wires the engine's collaborators, and builds the
// requested targets, printing a one-line summary per target.
func runBuild(ctx context.Context, cfg *config.Configuration, repoRoot string, rawTargets []string) int {
	outputRoot, err := filepath.Abs(opts.OutputRoot)
	if err != nil {
		log.Fatalf("resolving output root: %s", err)
	}
	graph, err := plan.Load(filepath.Join(repoRoot, opts.PlanFile), repoRoot, outputRoot)
	if err != nil {
		log.Fatalf("loading plan: %s", err)
	}

	artifactCache := buildArtifactCache(cfg, opts.NoCache)
	pool, err := scheduler.Default(cfg.Build.ResourceScale, cfg.Build.FairScheduling, cfg.Build.KeepGoing)
	if err != nil {
		log.Fatalf("sampling host capacity: %s", err)
	}
	rec := buildMetricsRecorder(cfg)
	defer rec.Stop()

	e, err := engine.New(engine.Options{
		Graph:      engine.MapGraph(graph),
		Config:     cfg,
		OutputRoot: outputRoot,
		Hashes:     hashcache.NewLayered(hashcache.NewPersistent(sha1New, outputRoot, "user.arbor.hash")),
		Cache:      artifactCache,
		Metrics:    rec,
		Pool:       pool,
	})
	if err != nil {
		log.Fatalf("constructing engine: %s", err)
	}

	targets := make([]rule.Target, len(rawTargets))
	for i, t := range rawTargets {
		targets[i] = rule.Target(t)
	}
	results := e.BuildTargets(ctx, targets)

	failed := false
	for _, res := range results {
		switch res.Outcome {
		case engine.Success:
			fmt.Printf("%s: %s (%s)\n", res.Target, res.Outcome, res.Kind)
		default:
			failed = true
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", res.Target, res.Outcome, res.Err)
			for _, df := range res.DepFailures {
				fmt.Fprintf(os.Stderr, "  dependency %s: %s\n", df.Target, df.Err)
			}
		}
	}
	if failed {
		return 1
	}
	return 0
}

// runClean removes the output root (or only the named targets' output
// directories). It does not touch the dir cache.
func runClean(cfg *config.Configuration, rawTargets []string) int {
	outputRoot, err := filepath.Abs(opts.OutputRoot)
	if err != nil {
		log.Fatalf("resolving output root: %s", err)
	}
	if len(rawTargets) == 0 {
		if err := os.RemoveAll(outputRoot); err != nil {
			log.Fatalf("cleaning output root: %s", err)
		}
		return 0
	}
	for _, t := range rawTargets {
		dir := filepath.Join(outputRoot, targetPathForClean(t))
		if err := os.RemoveAll(dir); err != nil {
			log.Fatalf("cleaning %s: %s", t, err)
		}
	}
	return 0
}

func targetPathForClean(target string) string {
	t := strings.TrimPrefix(target, "//")
	if i := strings.LastIndex(t, ":"); i >= 0 {
		return t[:i] + "/" + t[i+1:]
	}
	return t
}

// buildArtifactCache composes the configured tiers into a Multiplexer
// (D3), exactly mirroring the reference's priority-ordered cacheMultiplexer
// — local dir cache first, remote cache second.
func buildArtifactCache(cfg *config.Configuration, disabled bool) cache.ArtifactCache {
	if disabled {
		return nil
	}
	var tiers []cache.ArtifactCache
	if cfg.Cache.Dir != "" {
		dirCache, err := cache.NewDirCache(cfg.Cache.Dir)
		if err != nil {
			log.Warningf("initializing directory cache: %s", err)
		} else {
			if cfg.Cache.DirCacheCleaner {
				high := parseBytesOrZero(cfg.Cache.DirCacheHighWaterMark)
				low := parseBytesOrZero(cfg.Cache.DirCacheLowWaterMark)
				if high > 0 {
					dirCache.StartCleaner(high, low)
				}
			}
			tiers = append(tiers, dirCache)
		}
	}
	if cfg.Cache.RemoteAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		remoteCache, err := cache.DialRemoteCache(ctx, "arbor", cfg.Cache.RemoteAddr, cfg.Cache.RemoteAddr, cfg.Cache.RemoteSecure, time.Duration(cfg.Cache.RemoteTimeout)*time.Second)
		if err != nil {
			log.Warningf("dialing remote cache: %s", err)
		} else {
			tiers = append(tiers, remoteCache)
		}
	}
	if len(tiers) == 0 {
		return nil
	}
	return cache.NewMultiplexer(tiers...)
}

func buildMetricsRecorder(cfg *config.Configuration) *metrics.Recorder {
	if cfg.Metrics.PushGatewayURL == "" {
		return metrics.NoOp()
	}
	freq := time.Duration(cfg.Metrics.PushFrequency) * time.Second
	timeout := time.Duration(cfg.Metrics.PushTimeout) * time.Second
	return metrics.New(cfg.Metrics.PushGatewayURL, freq, timeout)
}
