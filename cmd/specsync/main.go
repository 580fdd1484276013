// specsync keeps a versioned spec corpus and a code artifact
// convergent: an interactive checking phase over the spec graph, an
// autonomous reconciliation phase over the code, and a trust-gated
// commit.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/specsync/specsync/internal/checker"
	"github.com/specsync/specsync/internal/config"
	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/cost"
	"github.com/specsync/specsync/internal/oracle"
	"github.com/specsync/specsync/internal/session"
	"github.com/specsync/specsync/internal/storage"
	"github.com/specsync/specsync/internal/storage/sqlite"
	"github.com/specsync/specsync/internal/trace"
	"github.com/specsync/specsync/internal/types"
	"github.com/specsync/specsync/internal/verify"
)

// Version is set at build time
var Version = "dev"

var (
	workspaceRoot string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "specsync",
	Short:         "Spec reconciliation engine",
	Long:          "specsync keeps a markdown spec corpus and a code artifact convergent.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			return nil
		}
		var err error
		cfg, err = config.Load(workspaceRoot)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceRoot, "workspace", "C", ".",
		"workspace root containing the spec corpus and code artifact")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

// engine bundles everything a command needs, plus the cleanups it owes
type engine struct {
	store      storage.Store
	oracle     oracle.Oracle
	checker    *checker.Checker
	tracer     *trace.Tracer
	deriver    *verify.TestDeriver
	budget     *cost.Tracker
	residue    *verify.ResidueAnalyzer
	proportion *verify.ProportionChecker
	exclusions *corpus.ExclusionList
	specRoot   string
	codeRoot   string
	lockPath   string
}

// buildEngine wires the full stack: store, oracle client, checker,
// tracer, verifiers. It takes the exclusive workspace lock; callers
// must defer close.
func buildEngine() (*engine, error) {
	lockPath, err := storage.AcquireExclusiveLock(config.StateDir(workspaceRoot), Version)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(config.DatabasePath(workspaceRoot))
	if err != nil {
		storage.ReleaseExclusiveLock(lockPath)
		return nil, err
	}

	retry := oracle.DefaultRetryConfig()
	retry.MaxRetries = cfg.Oracle.MaxRetries
	retry.MaxConcurrentCalls = cfg.Oracle.MaxConcurrentCalls
	retry.RequestsPerSecond = cfg.Oracle.RequestsPerSecond

	client, err := oracle.NewClient(&oracle.Config{
		Model:       cfg.Oracle.Model,
		SimpleModel: cfg.Oracle.SimpleModel,
		Retry:       retry,
		Logger:      store,
	})
	if err != nil {
		store.Close()
		storage.ReleaseExclusiveLock(lockPath)
		return nil, err
	}

	budget, err := cost.NewTracker(cfg.Budget)
	if err != nil {
		store.Close()
		storage.ReleaseExclusiveLock(lockPath)
		return nil, err
	}
	orc := cost.Limit(client, budget)

	chk, err := checker.New(&checker.Config{Oracle: orc, Cache: store})
	if err != nil {
		store.Close()
		storage.ReleaseExclusiveLock(lockPath)
		return nil, err
	}
	tracer, err := trace.New(&trace.Config{Oracle: orc, Cache: store})
	if err != nil {
		store.Close()
		storage.ReleaseExclusiveLock(lockPath)
		return nil, err
	}
	deriver, err := verify.NewTestDeriver(orc)
	if err != nil {
		store.Close()
		storage.ReleaseExclusiveLock(lockPath)
		return nil, err
	}

	exclusions, err := corpus.LoadExclusionList(resolve(cfg.ExclusionFile))
	if err != nil {
		store.Close()
		storage.ReleaseExclusiveLock(lockPath)
		return nil, err
	}

	return &engine{
		store:      store,
		oracle:     orc,
		checker:    chk,
		tracer:     tracer,
		deriver:    deriver,
		budget:     budget,
		residue:    verify.NewResidueAnalyzer(orc),
		proportion: verify.NewProportionChecker(cfg.ProportionThreshold, cfg.ProportionFileWeight),
		exclusions: exclusions,
		specRoot:   resolve(cfg.SpecRoot),
		codeRoot:   resolve(cfg.CodeRoot),
		lockPath:   lockPath,
	}, nil
}

func (e *engine) close() {
	e.store.Close()
	storage.ReleaseExclusiveLock(e.lockPath)
}

// storeEngine is the light wiring for commands that only read recorded
// state: lock and store, no oracle client and no credentials.
type storeEngine struct {
	store    storage.Store
	lockPath string
}

func buildStoreEngine() (*storeEngine, error) {
	lockPath, err := storage.AcquireExclusiveLock(config.StateDir(workspaceRoot), Version)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.Open(config.DatabasePath(workspaceRoot))
	if err != nil {
		storage.ReleaseExclusiveLock(lockPath)
		return nil, err
	}
	return &storeEngine{store: store, lockPath: lockPath}, nil
}

func (e *storeEngine) close() {
	e.store.Close()
	storage.ReleaseExclusiveLock(e.lockPath)
}

func (e *engine) orchestrator() (*session.Orchestrator, error) {
	return session.New(session.Config{
		Store:           e.store,
		Oracle:          e.oracle,
		Checker:         e.checker,
		Tracer:          e.tracer,
		Deriver:         e.deriver,
		Residue:         e.residue,
		Proportion:      e.proportion,
		SpecRoot:        e.specRoot,
		CodeRoot:        e.codeRoot,
		Exclusions:      e.exclusions,
		Workers:         cfg.Workers,
		ScopeAttempts:   cfg.ScopeAttempts,
		ResidueBlocking: types.ResidueBlocking(cfg.ResidueBlocking),
	})
}

// resolve makes a config-relative path absolute against the workspace
func resolve(path string) string {
	if path == "" || path[0] == '/' {
		return path
	}
	return workspaceRoot + "/" + path
}

// exitCodeError carries a non-zero exit code up through Execute so
// deferred cleanup (lock release, store close) still runs before the
// process terminates.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.msg
}

// exit maps a report outcome to the process exit contract
func exit(code int) error {
	return &exitCodeError{code: code}
}
