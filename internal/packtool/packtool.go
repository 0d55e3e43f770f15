// Package packtool wraps the external pack-generation tool spec.md §1/§6
// calls out as an explicit collaborator outside the engine's core: the
// host DVCS's own `pack-objects`/`index-pack` binaries, invoked as
// subprocesses. The core never builds or parses pack files itself.
package packtool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
)

// Tool invokes git's pack-generation binaries against a working
// repository directory. Binary is typically "git"; WorkDir is the scratch
// repository (Upstream Mirror or caller's repository, depending on which
// side is packing) the revset is evaluated against.
type Tool struct {
	Binary  string
	WorkDir string
}

// New returns a Tool bound to gitBinary (use "git" unless the caller needs
// a specific path) operating against workDir.
func New(gitBinary, workDir string) *Tool {
	if gitBinary == "" {
		gitBinary = "git"
	}
	return &Tool{Binary: gitBinary, WorkDir: workDir}
}

// Pack runs `git pack-objects --revs --stdout`, feeding it a rev-list
// expression built from revset's include/exclude tips, and returns the
// resulting pack file's bytes. An empty Include list is a caller error:
// spec.md §4.5 step 3 says to skip pack creation entirely when the
// planned revset is empty, not call Pack with nothing to include.
func (t *Tool) Pack(ctx context.Context, revset PackRevsetInput) ([]byte, error) {
	if len(revset.Include) == 0 {
		return nil, fmt.Errorf("packtool: empty include set, nothing to pack")
	}

	var revs strings.Builder
	for _, h := range revset.Include {
		revs.WriteString(string(h))
		revs.WriteByte('\n')
	}
	for _, h := range revset.Exclude {
		revs.WriteByte('^')
		revs.WriteString(string(h))
		revs.WriteByte('\n')
	}

	cmd := exec.CommandContext(ctx, t.Binary, "pack-objects", "--revs", "--stdout")
	cmd.Dir = t.WorkDir
	cmd.Stdin = strings.NewReader(revs.String())

	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("packtool: pack-objects: %w: %s", err, errOut.String())
	}
	return out.Bytes(), nil
}

// PackRevsetInput mirrors reachability.PackRevset without importing that
// package, keeping packtool a leaf adapter the Sync Engine depends on
// rather than the other way around.
type PackRevsetInput struct {
	Include []dvcs.WeakHash
	Exclude []dvcs.WeakHash
}

// Unpack runs `git index-pack --stdin` against packBytes, validating the
// pack and indexing it into WorkDir's object store. This is the
// verification step the fetch path uses before trusting a downloaded
// pack's contents (spec.md §4.6 step 3).
func (t *Tool) Unpack(ctx context.Context, packBytes []byte) error {
	cmd := exec.CommandContext(ctx, t.Binary, "index-pack", "--stdin")
	cmd.Dir = t.WorkDir
	cmd.Stdin = bytes.NewReader(packBytes)

	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("packtool: index-pack: %w: %s", err, errOut.String())
	}
	return nil
}
