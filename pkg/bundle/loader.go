package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/metrics"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
)

// maxFileSize bounds a single archive member
const maxFileSize = 64 << 20

// ErrAlreadyLoaded is the cause of the BUNDLE_ERROR returned for an archive
// whose hash is already stored
var ErrAlreadyLoaded = errors.New("bundle already loaded")

// Options configures a Loader
type Options struct {
	// Dir keeps accepted archives as <hash>.tar.gz. Empty disables keeping.
	Dir string
	// PublicKey is an armored OpenPGP key ring used to verify .sig files
	PublicKey []byte
	// VerifiedSignatureOnly rejects archives whose signature does not verify
	VerifiedSignatureOnly bool
}

// Loader turns bundle archives into stored definitions
type Loader struct {
	store   storage.Store
	pub     events.Publisher
	opts    Options
	keyring openpgp.EntityList
	logger  zerolog.Logger
}

// NewLoader creates a loader. A nil publisher drops bundle_loaded events.
func NewLoader(store storage.Store, pub events.Publisher, opts Options) (*Loader, error) {
	l := &Loader{
		store:  store,
		pub:    pub,
		opts:   opts,
		logger: log.WithComponent("bundle"),
	}
	if len(opts.PublicKey) > 0 {
		keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(opts.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("failed to read bundle public key: %w", err)
		}
		l.keyring = keyring
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create bundle directory: %w", err)
		}
	}
	return l, nil
}

// LoadFile loads an archive from disk together with <path>.sig when present
func (l *Loader) LoadFile(ctx context.Context, archivePath string) (*types.Bundle, error) {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle archive: %w", err)
	}
	sig, err := os.ReadFile(archivePath + ".sig")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read bundle signature: %w", err)
	}
	return l.Load(ctx, data, sig)
}

// Load parses, verifies and stores an archive. sig may be nil.
func (l *Loader) Load(ctx context.Context, data, sig []byte) (*types.Bundle, error) {
	bundle, err := l.load(ctx, data, sig)
	switch {
	case err == nil:
		metrics.BundlesLoaded.WithLabelValues("loaded").Inc()
	case errdefs.Is(err, errdefs.BundleSignatureInvalid):
		metrics.BundlesLoaded.WithLabelValues("signature_invalid").Inc()
	default:
		metrics.BundlesLoaded.WithLabelValues("rejected").Inc()
	}
	return bundle, err
}

func (l *Loader) load(ctx context.Context, data, sig []byte) (*types.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	logger := l.logger.With().Str("hash", hash).Logger()

	status := l.verify(data, sig)
	if status == types.SignatureInvalid && l.opts.VerifiedSignatureOnly {
		logger.Warn().Msg("Rejected bundle with invalid signature")
		return nil, errdefs.New(errdefs.BundleSignatureInvalid, "bundle signature does not verify")
	}

	members, err := unpack(data)
	if err != nil {
		return nil, err
	}
	defs, err := buildDefinitions(members)
	if err != nil {
		logger.Debug().Err(err).Msg("Rejected bundle definitions")
		return nil, err
	}
	defs.Bundle.Hash = hash
	defs.Bundle.Signature = status

	var saved *types.Bundle
	err = txn.Run(l.store, l.pub, "", func(c *txn.Context) error {
		existing, err := c.Tx.FindBundleByHash(hash)
		if err != nil {
			return err
		}
		if existing != nil {
			return errdefs.Wrap(errdefs.BundleError, ErrAlreadyLoaded, "bundle %s %s", existing.Name, existing.Version)
		}
		saved, err = c.Tx.SaveBundleDefinitions(defs)
		if err != nil {
			return err
		}
		if err := Reorder(c.Tx); err != nil {
			return err
		}
		if saved, err = c.Tx.GetBundle(saved.ID); err != nil {
			return err
		}
		c.Publish(events.EventBundleLoaded, fmt.Sprintf("bundle/%d", saved.ID), events.BundleLoaded{
			BundleID:  saved.ID,
			Name:      saved.Name,
			Version:   saved.Version,
			Signature: status,
		})
		c.AfterCommit(func() { l.keep(hash, data) })
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Uint64("bundle_id", saved.ID).
		Str("name", saved.Name).
		Str("version", saved.Version).
		Str("signature", string(status)).
		Msg("Bundle loaded")
	return saved, nil
}

// Delete removes a bundle no cluster or provider uses, and its archive
func (l *Loader) Delete(ctx context.Context, bundleID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var hash string
	err := txn.Run(l.store, l.pub, "", func(c *txn.Context) error {
		b, err := c.Tx.GetBundle(bundleID)
		if err != nil {
			return err
		}
		hash = b.Hash
		if err := c.Tx.DeleteBundle(bundleID); err != nil {
			return err
		}
		return Reorder(c.Tx)
	})
	if err != nil {
		return err
	}
	if l.opts.Dir != "" {
		if err := os.Remove(l.archivePath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn().Err(err).Str("hash", hash).Msg("Failed to remove bundle archive")
		}
	}
	l.logger.Info().Uint64("bundle_id", bundleID).Msg("Bundle deleted")
	return nil
}

func (l *Loader) archivePath(hash string) string {
	return filepath.Join(l.opts.Dir, hash+".tar.gz")
}

func (l *Loader) keep(hash string, data []byte) {
	if l.opts.Dir == "" {
		return
	}
	if err := os.WriteFile(l.archivePath(hash), data, 0644); err != nil {
		l.logger.Error().Err(err).Str("hash", hash).Msg("Failed to keep bundle archive")
	}
}

// verify checks a detached signature, armored or binary
func (l *Loader) verify(data, sig []byte) types.SignatureStatus {
	if len(sig) == 0 {
		return types.SignatureAbsent
	}
	if len(l.keyring) == 0 {
		return types.SignatureInvalid
	}
	if _, err := openpgp.CheckArmoredDetachedSignature(l.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil); err == nil {
		return types.SignatureValid
	}
	if _, err := openpgp.CheckDetachedSignature(l.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil); err == nil {
		return types.SignatureValid
	}
	return types.SignatureInvalid
}

// unpack reads a gzip compressed tar into memory
func unpack(data []byte) (files, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.BundleError, err, "bundle is not a gzip archive")
	}
	defer gz.Close()

	out := files{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errdefs.Wrap(errdefs.BundleError, err, "corrupt bundle archive")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return nil, errdefs.New(errdefs.BundleError, "archive member %q escapes the bundle", hdr.Name)
		}
		if hdr.Size > maxFileSize {
			return nil, errdefs.New(errdefs.BundleError, "archive member %q is too large", hdr.Name)
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxFileSize))
		if err != nil {
			return nil, errdefs.Wrap(errdefs.BundleError, err, "failed to read %s", hdr.Name)
		}
		out[name] = content
	}
	return out, nil
}
