// Package nod is the top-level entry point: Open wires one peer's block
// allocator, distributed index, and label/property-type registries onto
// an rma.Facade and returns a txn.Database ready for StartSingle/
// StartCollective.
package nod

import (
	"context"
	"fmt"

	"github.com/cuemby/nod/internal/nod/block"
	"github.com/cuemby/nod/internal/nod/index"
	"github.com/cuemby/nod/internal/nod/txn"
	"github.com/cuemby/nod/internal/registry"
	"github.com/cuemby/nod/rma"
)

// Options sizes the windows a new Database needs. Every peer in a
// cluster must open with the same BlockSizeBytes, NumBlocksPerPeer,
// IndexTableSlotsPerPeer and IndexHeapSlotsPerPeer: these describe the
// shape of cluster-wide shared windows, not a per-process choice.
type Options struct {
	BlockSizeBytes         uint32
	NumBlocksPerPeer       uint32
	IndexTableSlotsPerPeer uint32
	IndexHeapSlotsPerPeer  uint32
	Debug                  bool
}

// Open builds and locally initializes a peer's block allocator and
// index against facade, and wires fresh label/property-type registries,
// returning a txn.Database. Callers on every peer must call Open (and
// therefore each component's InitLocal) before any peer starts a
// transaction. The registries are independent per peer unless the
// caller populates them identically across the cluster; registration is
// an out-of-band administrative step, not something a transaction does.
func Open(ctx context.Context, facade rma.Facade, opts Options) (*txn.Database, error) {
	blocks, err := block.New(ctx, facade, block.Config{
		BlockSizeBytes:   opts.BlockSizeBytes,
		NumBlocksPerPeer: opts.NumBlocksPerPeer,
		Debug:            opts.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("nod: open block manager: %w", err)
	}
	if err := blocks.InitLocal(ctx); err != nil {
		return nil, fmt.Errorf("nod: init block manager: %w", err)
	}

	idx, err := index.New(ctx, facade, index.Config{
		TableSlotsPerPeer: opts.IndexTableSlotsPerPeer,
		HeapSlotsPerPeer:  opts.IndexHeapSlotsPerPeer,
	})
	if err != nil {
		return nil, fmt.Errorf("nod: open index: %w", err)
	}
	if err := idx.InitLocal(ctx); err != nil {
		return nil, fmt.Errorf("nod: init index: %w", err)
	}

	labels := registry.NewLabels()
	props := registry.NewPropertyTypes()

	return txn.NewDatabase(blocks, idx, labels, props), nil
}
