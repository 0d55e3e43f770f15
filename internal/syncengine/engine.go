package syncengine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/calmofthestorm/recursive-remote/internal/config"
	"github.com/calmofthestorm/recursive-remote/internal/cryptoframe"
	"github.com/calmofthestorm/recursive-remote/internal/dvcs"
	"github.com/calmofthestorm/recursive-remote/internal/mirror"
	"github.com/calmofthestorm/recursive-remote/internal/objectgraph"
	"github.com/calmofthestorm/recursive-remote/internal/packtool"
	"github.com/calmofthestorm/recursive-remote/internal/reachability"
)

const maxPushAttempts = 3

// Engine is the Sync Engine: it wires the Upstream Mirror, Reachability
// Tracker, Pack Tool adapter and Crypto Frame key material together for
// one git-remote-helper invocation, and implements the push and fetch
// paths (spec.md §4.5/§4.6) on top of them. One Engine handles exactly one
// configured namespace on one tracked branch.
type Engine struct {
	cfg *config.Config

	mirror     *mirror.Mirror
	tracker    *reachability.Tracker
	pack       packTool
	callerRepo string // filesystem path to the caller's own repository

	stateKey   cryptoframe.Key
	contentKey cryptoframe.Key

	log  *logrus.Entry
	zlog *zap.Logger
}

// packTool is the subset of *packtool.Tool the Sync Engine calls. Declaring
// it as an interface here (rather than depending on the concrete type
// directly) lets tests substitute a fake that doesn't shell out to a real
// git binary, the same seam dvcstest.Fake gives internal/dvcs.Repository.
type packTool interface {
	Pack(ctx context.Context, revset packtool.PackRevsetInput) ([]byte, error)
	Unpack(ctx context.Context, packBytes []byte) error
}

// New wires an Engine from its already-open collaborators. cfg's Encrypted
// flag decides whether stateFrame/contentFrame seal under stateKey/
// contentKey or run in identity mode; the caller (cmd/git-remote-recursive)
// is responsible for having resolved those keys via
// cryptoframe.LoadOrGenerateKey and persisted any freshly generated one
// before constructing the Engine.
func New(cfg *config.Config, m *mirror.Mirror, tracker *reachability.Tracker, pack packTool, callerRepoPath string, stateKey, contentKey cryptoframe.Key, log *logrus.Entry, zlog *zap.Logger) *Engine {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		mirror:     m,
		tracker:    tracker,
		pack:       pack,
		callerRepo: callerRepoPath,
		stateKey:   stateKey,
		contentKey: contentKey,
		log:        log,
		zlog:       zlog,
	}
}

// Close releases the Mirror's and Tracker's scratch repositories.
func (e *Engine) Close() error {
	trackerErr := e.tracker.Close()
	mirrorErr := e.mirror.Close()
	if trackerErr != nil {
		return trackerErr
	}
	return mirrorErr
}

func (e *Engine) stateFrame() *cryptoframe.Frame {
	if e.cfg.Encrypted {
		return cryptoframe.NewEncrypted(e.stateKey)
	}
	return cryptoframe.NewClear()
}

func (e *Engine) contentFrame() *cryptoframe.Frame {
	if e.cfg.Encrypted {
		return cryptoframe.NewEncrypted(e.contentKey)
	}
	return cryptoframe.NewClear()
}

// namespaceDir is this Engine's configured namespace's upstream tree
// directory segment, name(N) in spec.md §4.2.
func (e *Engine) namespaceDir() string {
	return namespaceDirName(e.cfg.Namespace, e.contentKey, e.cfg.Encrypted)
}

// blobToken is the upstream tree filename for the Pack Blob addressed by
// addr, per spec.md §3 (see blobPathToken).
func (e *Engine) blobToken(addr objectgraph.Address) string {
	return blobPathToken(addr, e.contentKey, e.cfg.Encrypted)
}

// syncBase implements spec.md §4.5 step 1 / §4.6 step 1: fetch the
// upstream tip, decode its StateRecord, and validate (I1)+(I5). A zero tip
// (branch does not exist upstream yet) returns a nil record and no error;
// the caller treats that as "first push, no prior generation".
type syncBase struct {
	tip       dvcs.WeakHash
	record    *objectgraph.StateRecord
	recordRaw []byte
	trusted   objectgraph.Address
}

func (e *Engine) fetchSyncBase(ctx context.Context) (*syncBase, error) {
	tip, framed, err := e.mirror.FetchTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch upstream tip: %v", ErrTransport, err)
	}
	trusted, err := e.mirror.LastTrustedState(ctx)
	if err != nil {
		return nil, err
	}
	if tip == "" {
		return &syncBase{trusted: trusted}, nil
	}

	stateFrame := e.stateFrame()
	rec, plaintext, err := openSealedState(stateFrame, framed)
	if err != nil {
		return nil, err
	}
	if err := validateMerkleClosure(ctx, e.mirror, stateFrame, tip, rec); err != nil {
		return nil, err
	}
	if err := checkRatcheting(ctx, e.mirror, stateFrame, tip, trusted); err != nil {
		return nil, err
	}

	return &syncBase{tip: tip, record: rec, recordRaw: plaintext, trusted: trusted}, nil
}

// ListRefs answers the remote-helper protocol's `list`/`list for-push`
// command: the configured namespace's current inner-ref weak hashes,
// without downloading or unpacking any content. A nil map with a nil error
// means the tracked branch (or this namespace on it) does not exist
// upstream yet. The remote-helper protocol's push handling uses this to
// learn each ref's last known upstream value for the push gate's
// fast-forward check.
func (e *Engine) ListRefs(ctx context.Context) (map[string]string, error) {
	base, err := e.fetchSyncBase(ctx)
	if err != nil {
		return nil, err
	}
	if base.tip == "" {
		return nil, nil
	}
	nsRec, err := e.loadExistingNamespace(ctx, base)
	if err != nil {
		return nil, err
	}
	if nsRec == nil {
		return nil, nil
	}
	return nsRec.Refs, nil
}
