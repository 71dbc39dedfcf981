package manager

import (
	"context"

	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
)

// LoadBundle loads a bundle archive with an optional detached signature
func (m *Manager) LoadBundle(ctx context.Context, data, sig []byte) (*types.Bundle, error) {
	return m.loader.Load(ctx, data, sig)
}

// LoadBundleFile loads a bundle archive from disk
func (m *Manager) LoadBundleFile(ctx context.Context, path string) (*types.Bundle, error) {
	return m.loader.LoadFile(ctx, path)
}

// DeleteBundle removes a bundle no object uses
func (m *Manager) DeleteBundle(ctx context.Context, bundleID uint64) error {
	return m.loader.Delete(ctx, bundleID)
}

// Bundles lists loaded bundles
func (m *Manager) Bundles(ctx context.Context) ([]*types.Bundle, error) {
	var out []*types.Bundle
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		out, err = tx.ListBundles()
		return err
	})
	return out, err
}

// Prototypes lists the prototypes of a bundle
func (m *Manager) Prototypes(ctx context.Context, bundleID uint64) ([]*types.Prototype, error) {
	var out []*types.Prototype
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		out, err = tx.ListPrototypes(storage.PrototypeFilter{BundleID: bundleID})
		return err
	})
	return out, err
}
