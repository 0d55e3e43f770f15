// Package remotehelper implements the thin stdio line protocol a DVCS's
// remote-helper mechanism speaks to an external transport: capability
// advertisement, ref listing, and batched fetch/push commands terminated
// by a blank line. It is explicitly out-of-core (spec.md §1/§6): all it
// does is translate protocol lines into calls against internal/syncengine
// and format the results back as the protocol requires.
package remotehelper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/syncengine"
)

// Engine is the subset of *syncengine.Engine the protocol loop calls.
type Engine interface {
	ListRefs(ctx context.Context) (map[string]string, error)
	Fetch(ctx context.Context) (*syncengine.FetchResult, error)
	Push(ctx context.Context, updates []syncengine.RefUpdate) (map[string]error, error)
}

// Protocol drives one remote-helper invocation's stdio conversation.
type Protocol struct {
	engine     Engine
	callerRepo dvcs.Repository
	in         *bufio.Reader
	out        io.Writer
	log        *logrus.Entry
}

// New wires a Protocol reading commands from in and writing replies to
// out. callerRepo resolves local ref names named in `push` commands to
// weak hashes; it is the caller's own repository, not either of the Sync
// Engine's scratch repositories.
func New(engine Engine, callerRepo dvcs.Repository, in io.Reader, out io.Writer, log *logrus.Entry) *Protocol {
	return &Protocol{
		engine:     engine,
		callerRepo: callerRepo,
		in:         bufio.NewReader(in),
		out:        out,
		log:        log,
	}
}

// Run reads and dispatches commands until the peer closes its side or
// sends a bare terminating blank line, per the remote-helper protocol's
// "isolated blank line ends the session" convention.
func (p *Protocol) Run(ctx context.Context) error {
	for {
		line, err := p.readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("remotehelper: read command: %w", err)
		}
		switch {
		case line == "":
			return nil
		case line == "capabilities":
			if err := p.handleCapabilities(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "list"):
			if err := p.handleList(ctx, strings.Contains(line, "for-push")); err != nil {
				return err
			}
		case strings.HasPrefix(line, "option "):
			if err := p.handleOption(line); err != nil {
				return err
			}
		case line == "fetch":
			fallthrough
		case strings.HasPrefix(line, "fetch "):
			if err := p.handleFetchBatch(ctx, line); err != nil {
				return err
			}
		case line == "push":
			fallthrough
		case strings.HasPrefix(line, "push "):
			if err := p.handlePushBatch(ctx, line); err != nil {
				return err
			}
		default:
			return fmt.Errorf("remotehelper: unrecognized command %q", line)
		}
	}
}

// readLine returns one line with its trailing newline stripped.
func (p *Protocol) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\n")
	if line == "" && err == io.EOF {
		return "", io.EOF
	}
	return line, nil
}

func (p *Protocol) writeLine(format string, args ...any) error {
	_, err := fmt.Fprintf(p.out, format+"\n", args...)
	return err
}

// handleCapabilities advertises the verbs this helper understands. No
// `connect`: every exchange goes through the fetch/push batch protocol,
// never a raw bidirectional pipe to the upstream.
func (p *Protocol) handleCapabilities() error {
	for _, verb := range []string{"fetch", "push", "option"} {
		if err := p.writeLine("%s", verb); err != nil {
			return err
		}
	}
	return p.writeLine("")
}

// handleList answers `list`/`list for-push` with one "<sha> <ref>" line
// per inner ref currently recorded in the configured namespace, sorted for
// deterministic output, followed by the blank terminator. forPush does not
// change the answer: spec.md's push gate, not ref advertisement, is where
// push-specific admission happens.
func (p *Protocol) handleList(ctx context.Context, _ bool) error {
	refs, err := p.engine.ListRefs(ctx)
	if err != nil {
		return fmt.Errorf("remotehelper: list: %w", err)
	}
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.writeLine("%s %s", refs[name], name); err != nil {
			return err
		}
	}
	return p.writeLine("")
}

// handleOption acknowledges a capability option. None of spec.md §6's
// configuration surface is exposed as a remote-helper option (it all comes
// from git config / environment via internal/config), so every option is
// accepted as a no-op rather than rejected outright: git tolerates "ok" for
// options it doesn't strictly require the helper to honor.
func (p *Protocol) handleOption(line string) error {
	_ = strings.TrimPrefix(line, "option ")
	return p.writeLine("ok")
}

// handleFetchBatch consumes "fetch <sha> <ref>" lines up to the blank
// terminator and performs one namespace-wide sync. The engine has no
// notion of fetching individual objects by sha: spec.md's fetch path
// always brings the whole configured namespace's reachability closure up
// to date, so every sha/ref pair in the batch is satisfied by the same
// single Fetch call.
func (p *Protocol) handleFetchBatch(ctx context.Context, _ string) error {
	for {
		line, err := p.readLine()
		if err != nil {
			return fmt.Errorf("remotehelper: read fetch batch line: %w", err)
		}
		if line == "" {
			break
		}
		if !strings.HasPrefix(line, "fetch ") {
			return fmt.Errorf("remotehelper: unexpected line %q in fetch batch", line)
		}
	}
	p.log.Debug("remotehelper: fetch batch received, syncing namespace")
	if _, err := p.engine.Fetch(ctx); err != nil {
		return fmt.Errorf("remotehelper: fetch: %w", err)
	}
	return p.writeLine("")
}

// handlePushBatch consumes "push <+src>:<dst>" lines up to the blank
// terminator, resolves each src against the caller's own repository, and
// reports per-ref admission/result lines from the Sync Engine's Push.
func (p *Protocol) handlePushBatch(ctx context.Context, first string) error {
	lines := []string{}
	if rest := strings.TrimPrefix(first, "push "); rest != first {
		lines = append(lines, rest)
	}
	for {
		line, err := p.readLine()
		if err != nil {
			return fmt.Errorf("remotehelper: read push batch line: %w", err)
		}
		if line == "" {
			break
		}
		rest, ok := strings.CutPrefix(line, "push ")
		if !ok {
			return fmt.Errorf("remotehelper: unexpected line %q in push batch", line)
		}
		lines = append(lines, rest)
	}

	existing, err := p.engine.ListRefs(ctx)
	if err != nil {
		return fmt.Errorf("remotehelper: push: resolve current upstream refs: %w", err)
	}

	updates := make([]syncengine.RefUpdate, 0, len(lines))
	for _, spec := range lines {
		u, err := p.parsePushSpec(ctx, spec, existing)
		if err != nil {
			return err
		}
		updates = append(updates, u)
	}

	p.log.WithField("refs", len(updates)).Debug("remotehelper: push batch received")
	results, err := p.engine.Push(ctx, updates)
	if err != nil {
		for _, u := range updates {
			if werr := p.writeLine("error %s %s", u.Name, err.Error()); werr != nil {
				return werr
			}
		}
		return p.writeLine("")
	}
	for _, u := range updates {
		if rejectErr := results[u.Name]; rejectErr != nil {
			if err := p.writeLine("error %s %s", u.Name, rejectErr.Error()); err != nil {
				return err
			}
			continue
		}
		if err := p.writeLine("ok %s", u.Name); err != nil {
			return err
		}
	}
	return p.writeLine("")
}

// parsePushSpec parses one "<+src>:<dst>" push spec. A leading "+" on src
// marks the update as forced; an empty src requests deletion of dst.
func (p *Protocol) parsePushSpec(ctx context.Context, spec string, existing map[string]string) (syncengine.RefUpdate, error) {
	src, dst, ok := strings.Cut(spec, ":")
	if !ok {
		return syncengine.RefUpdate{}, fmt.Errorf("remotehelper: malformed push spec %q", spec)
	}
	force := strings.HasPrefix(src, "+")
	src = strings.TrimPrefix(src, "+")

	u := syncengine.RefUpdate{Name: dst, Force: force, Old: dvcs.WeakHash(existing[dst])}
	if src == "" {
		return u, nil
	}
	hash, err := p.callerRepo.ResolveRef(ctx, src)
	if err != nil {
		return syncengine.RefUpdate{}, fmt.Errorf("remotehelper: resolve local ref %s: %w", src, err)
	}
	u.New = hash
	return u, nil
}
