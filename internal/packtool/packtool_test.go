package packtool

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
)

// requireGit skips the test when no git binary is available in PATH,
// matching idiomatic treatment of subprocess-wrapping tests that depend
// on an external tool the module does not vendor.
func requireGit(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git binary not available")
	}
	return path
}

func initRepo(t *testing.T, git, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command(git, args...)
		cmd.Dir = dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out.String())
		}
	}
	run("init", "--quiet")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
}

func commit(t *testing.T, git, dir, file, contents string) dvcs.WeakHash {
	t.Helper()
	if err := writeFile(dir, file, contents); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run := func(args ...string) {
		cmd := exec.Command(git, args...)
		cmd.Dir = dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out.String())
		}
	}
	run("add", file)
	run("commit", "--quiet", "-m", "msg")

	cmd := exec.Command(git, "rev-parse", "HEAD")
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	return dvcs.WeakHash(bytes.TrimSpace(out.Bytes()))
}

func writeFile(dir, name, contents string) error {
	return os.WriteFile(dir+"/"+name, []byte(contents), 0o644)
}

func TestPackAndUnpackRoundTrip(t *testing.T) {
	git := requireGit(t)
	src := t.TempDir()
	initRepo(t, git, src)
	tip := commit(t, git, src, "a.txt", "hello")

	srcTool := New(git, src)
	packBytes, err := srcTool.Pack(context.Background(), PackRevsetInput{Include: []dvcs.WeakHash{tip}})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packBytes) == 0 {
		t.Fatalf("expected non-empty pack bytes")
	}

	dst := t.TempDir()
	initRepo(t, git, dst)
	dstTool := New(git, dst)
	if err := dstTool.Unpack(context.Background(), packBytes); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
}

func TestPackRejectsEmptyInclude(t *testing.T) {
	requireGit(t)
	tool := New("git", t.TempDir())
	if _, err := tool.Pack(context.Background(), PackRevsetInput{}); err == nil {
		t.Fatalf("expected error for empty include set")
	}
}
