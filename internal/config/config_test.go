package config

import (
	"context"
	"testing"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs/dvcstest"
)

func TestLoadDefaults(t *testing.T) {
	repo := dvcstest.New()
	cfg, err := Load(context.Background(), repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RemoteBranch != defaultRemoteBranch {
		t.Fatalf("RemoteBranch = %q, want %q", cfg.RemoteBranch, defaultRemoteBranch)
	}
	if cfg.MaxObjectSize != defaultMaxObjectSize {
		t.Fatalf("MaxObjectSize = %d, want %d", cfg.MaxObjectSize, defaultMaxObjectSize)
	}
	if cfg.Namespace != "" {
		t.Fatalf("Namespace = %q, want empty default", cfg.Namespace)
	}
	if len(cfg.ShallowBasis) != 0 {
		t.Fatalf("ShallowBasis = %v, want empty", cfg.ShallowBasis)
	}
	if cfg.ReinsertAllPacks {
		t.Fatalf("ReinsertAllPacks default must be false")
	}
}

func TestLoadFromGitConfig(t *testing.T) {
	repo := dvcstest.New()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("SetConfigValue: %v", err)
		}
	}
	must(repo.SetConfigValue(ctx, gitKey(keyNamespace), "prod"))
	must(repo.SetConfigValue(ctx, gitKey(keyRemoteBranch), "releases"))
	must(repo.SetConfigValue(ctx, gitKey(keyShallowBasis), "refs/heads/a refs/heads/b"))
	must(repo.SetConfigValue(ctx, gitKey(keyMaxObjectSize), "1024"))
	must(repo.SetConfigValue(ctx, gitKey(keyReinsertAllPacks), "true"))

	cfg, err := Load(ctx, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "prod" {
		t.Fatalf("Namespace = %q, want prod", cfg.Namespace)
	}
	if cfg.RemoteBranch != "releases" {
		t.Fatalf("RemoteBranch = %q, want releases", cfg.RemoteBranch)
	}
	if len(cfg.ShallowBasis) != 2 || cfg.ShallowBasis[0] != "refs/heads/a" || cfg.ShallowBasis[1] != "refs/heads/b" {
		t.Fatalf("ShallowBasis = %v", cfg.ShallowBasis)
	}
	if cfg.MaxObjectSize != 1024 {
		t.Fatalf("MaxObjectSize = %d, want 1024", cfg.MaxObjectSize)
	}
	if !cfg.ReinsertAllPacks {
		t.Fatalf("ReinsertAllPacks = false, want true")
	}
}

func TestEnvOverridesGitConfig(t *testing.T) {
	repo := dvcstest.New()
	ctx := context.Background()
	if err := repo.SetConfigValue(ctx, gitKey(keyRemoteBranch), "releases"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	t.Setenv("RECURSIVE_REMOTE_BRANCH", "env-branch")

	cfg, err := Load(ctx, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RemoteBranch != "env-branch" {
		t.Fatalf("RemoteBranch = %q, want env-branch (env must win over git config)", cfg.RemoteBranch)
	}
}

func TestEncryptedInferredFromKeyPresence(t *testing.T) {
	repo := dvcstest.New()
	ctx := context.Background()
	if err := repo.SetConfigValue(ctx, gitKey(keyStateKey), "inline-key-material"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	cfg, err := Load(ctx, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Encrypted {
		t.Fatalf("expected Encrypted=true when a nacl key is configured")
	}
}

func TestEncryptedExplicitOverride(t *testing.T) {
	repo := dvcstest.New()
	ctx := context.Background()
	if err := repo.SetConfigValue(ctx, gitKey(keyEncrypted), "false"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	if err := repo.SetConfigValue(ctx, gitKey(keyStateKey), "inline-key-material"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	cfg, err := Load(ctx, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Encrypted {
		t.Fatalf("explicit recursive-encrypted=false must override key presence")
	}
}

func TestRejectsNonPositiveMaxObjectSize(t *testing.T) {
	repo := dvcstest.New()
	ctx := context.Background()
	if err := repo.SetConfigValue(ctx, gitKey(keyMaxObjectSize), "-5"); err != nil {
		t.Fatalf("SetConfigValue: %v", err)
	}
	if _, err := Load(ctx, repo); err == nil {
		t.Fatalf("expected error for non-positive max object size")
	}
}
