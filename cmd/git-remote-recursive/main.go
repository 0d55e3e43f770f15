// Command git-remote-recursive is the git-remote-helper entry point: git
// invokes it as `git-remote-recursive <remote-name> <url>` whenever a
// remote URL carries the `recursive::` prefix, and speaks the
// remote-helper line protocol to it over stdin/stdout (spec.md §6).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calmofthestorm/recursive-remote/internal/config"
	"github.com/calmofthestorm/recursive-remote/internal/cryptoframe"
	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/mirror"
	"github.com/calmofthestorm/recursive-remote/internal/packtool"
	"github.com/calmofthestorm/recursive-remote/internal/reachability"
	"github.com/calmofthestorm/recursive-remote/internal/remotehelper"
	"github.com/calmofthestorm/recursive-remote/internal/syncengine"
)

const (
	scratchDirName   = "recursive_remote"
	upstreamDirName  = "upstream"
	trackerDirName   = "all_objects_ever"
	trackerCacheSize = 4096
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	var reinsertAllPacks bool

	root := &cobra.Command{
		Use:   "git-remote-recursive <remote-name> <url>",
		Short: "git remote-helper transport for the recursive:: protocol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1], reinsertAllPacks)
		},
		SilenceUsage: true,
	}
	root.Flags().BoolVar(&reinsertAllPacks, "reinsert-all-packs", false,
		"skip the minimal-pack-coverage walk and request every pack in the namespace's history on fetch")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(os.Getenv("RECURSIVE_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return logrus.NewEntry(l).WithField("component", "git-remote-recursive")
}

func newZapLog(logrusLevel logrus.Level) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	if logrusLevel >= logrus.DebugLevel {
		zcfg.Level.SetLevel(zap.DebugLevel)
	}
	zlog, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return zlog
}

// run implements the full wiring spec.md §6 describes for one invocation:
// open the caller's own repository, load its recursive-* config, resolve
// (and persist, if freshly generated) the two key domains when the branch
// is encrypted, open the
// Upstream Mirror and Reachability Tracker scratch repositories under
// <caller-repo>/recursive_remote/, wire the Sync Engine, and hand stdio
// over to the remote-helper protocol loop.
func run(ctx context.Context, remoteName, url string, reinsertAllPacks bool) error {
	log := newLog()
	zlog := newZapLog(log.Logger.Level)
	defer zlog.Sync() //nolint:errcheck

	callerRepoPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("git-remote-recursive: determine caller repository path: %w", err)
	}

	callerRepo, err := dvcs.OpenOrInit(callerRepoPath)
	if err != nil {
		return fmt.Errorf("git-remote-recursive: open caller repository: %w", err)
	}
	defer callerRepo.Close()

	cfg, err := config.Load(ctx, callerRepo)
	if err != nil {
		return fmt.Errorf("git-remote-recursive: load config: %w", err)
	}
	if reinsertAllPacks {
		cfg.ReinsertAllPacks = true
	}

	var stateKey, namespaceKey cryptoframe.Key
	if cfg.Encrypted {
		stateKey, err = resolveKey(ctx, callerRepo, config.StateKeyGitKey, cfg.StateKeyRaw)
		if err != nil {
			return fmt.Errorf("git-remote-recursive: resolve state key: %w", err)
		}
		namespaceKey, err = resolveKey(ctx, callerRepo, config.NamespaceKeyGitKey, cfg.NamespaceKeyRaw)
		if err != nil {
			return fmt.Errorf("git-remote-recursive: resolve namespace key: %w", err)
		}
	}

	scratchRoot := filepath.Join(callerRepoPath, scratchDirName)
	upstreamURL := stripRecursivePrefix(url)

	m, err := mirror.Open(ctx, filepath.Join(scratchRoot, upstreamDirName), upstreamURL, cfg.RemoteBranch, log.WithField("sub", "mirror"))
	if err != nil {
		return fmt.Errorf("git-remote-recursive: open upstream mirror: %w", err)
	}
	defer m.Close()

	tracker, err := reachability.Open(filepath.Join(scratchRoot, trackerDirName), trackerCacheSize, log.WithField("sub", "reachability"))
	if err != nil {
		return fmt.Errorf("git-remote-recursive: open reachability tracker: %w", err)
	}
	defer tracker.Close()

	pack := packtool.New("git", callerRepoPath)

	engine := syncengine.New(cfg, m, tracker, pack, callerRepoPath, stateKey, namespaceKey, log.WithField("sub", "engine"), zlog)
	defer engine.Close()

	log.WithFields(logrus.Fields{
		"remote":    remoteName,
		"namespace": cfg.Namespace,
		"branch":    cfg.RemoteBranch,
		"encrypted": cfg.Encrypted,
	}).Info("git-remote-recursive: starting remote-helper session")

	proto := remotehelper.New(engine, callerRepo, os.Stdin, os.Stdout, log.WithField("sub", "protocol"))
	if err := proto.Run(ctx); err != nil {
		return fmt.Errorf("git-remote-recursive: protocol session: %w", err)
	}
	return nil
}

// resolveKey loads a recursive-*-nacl-key config value, generating and
// persisting a fresh key if it was unset. LoadOrGenerateKey itself writes a
// key it generates for a missing file:// path to that file, so the only
// key reported as generated here is one for an empty config value, and it
// is written back inline to the caller repository's git config.
func resolveKey(ctx context.Context, repo dvcs.Repository, configKey, rawValue string) (cryptoframe.Key, error) {
	key, generated, err := cryptoframe.LoadOrGenerateKey(rawValue)
	if err != nil {
		return cryptoframe.Key{}, err
	}
	if !generated {
		return key, nil
	}
	if err := repo.SetConfigValue(ctx, configKey, cryptoframe.EncodeKey(key)); err != nil {
		return cryptoframe.Key{}, fmt.Errorf("persist generated key to %s: %w", configKey, err)
	}
	return key, nil
}

// stripRecursivePrefix removes the "recursive::" scheme prefix git leaves
// on the URL argument it passes to the helper, leaving the real upstream
// URL the Upstream Mirror should fetch/push against.
func stripRecursivePrefix(url string) string {
	const prefix = "recursive::"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}
