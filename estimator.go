package servalsheets

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ChangeTier is one of the increasingly expensive strategies for answering
// "has this resource changed".
type ChangeTier int

const (
	// TierStructure checks the version token and grid dimensions only.
	TierStructure ChangeTier = iota
	// TierSample compares a bounded sample of cells.
	TierSample
	// TierFull compares the full range contents.
	TierFull
)

func (t ChangeTier) String() string {
	switch t {
	case TierStructure:
		return "structure"
	case TierSample:
		return "sample"
	case TierFull:
		return "full"
	default:
		return "unknown"
	}
}

// StructureInfo is the payload of a KindStructure probe.
type StructureInfo struct {
	VersionToken string `json:"version_token"`
	Rows         int    `json:"rows"`
	Cols         int    `json:"cols"`
}

// Baseline is the previously observed state of a range, kept by the caller
// between estimates.
type Baseline struct {
	VersionToken string
	Rows         int
	Cols         int
	SampleDigest uint64
	FullDigest   uint64
}

// ChangeTierResult reports which tier settled the question and at what
// cost. Fresh carries the newly observed state so the caller can roll its
// baseline forward.
type ChangeTierResult struct {
	Tier    ChangeTier
	Changed bool
	Fresh   Baseline
	Cost    float64
}

// EstimatorConfig tunes probe costs and the sample size.
type EstimatorConfig struct {
	StructureCost float64
	SampleCost    float64
	FullCost      float64
	SampleCells   int
}

// DefaultEstimatorConfig mirrors the relative expense of the three probe
// shapes against a typical spreadsheet API.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		StructureCost: 1,
		SampleCost:    4,
		FullCost:      16,
		SampleCells:   64,
	}
}

// ChangeEstimator answers "did this range change" with the cheapest
// sufficient probe. Its soundness rests on a subset argument: each tier
// only answers conclusively from signals the next tier would also observe
// (a matching version token, differing dimensions, a differing digest), so
// a cheap tier can never report "unchanged" where an expensive tier would
// report "changed". Anything short of conclusive escalates.
//
// Probes are issued through a Doer, so they get caching, deduplication and
// admission control like every other operation.
type ChangeEstimator struct {
	doer Doer
	cfg  EstimatorConfig
}

// NewChangeEstimator builds an estimator over the given pipeline.
func NewChangeEstimator(doer Doer, cfg EstimatorConfig) *ChangeEstimator {
	def := DefaultEstimatorConfig()
	if cfg.StructureCost <= 0 {
		cfg.StructureCost = def.StructureCost
	}
	if cfg.SampleCost <= 0 {
		cfg.SampleCost = def.SampleCost
	}
	if cfg.FullCost <= 0 {
		cfg.FullCost = def.FullCost
	}
	if cfg.SampleCells <= 0 {
		cfg.SampleCells = def.SampleCells
	}
	return &ChangeEstimator{doer: doer, cfg: cfg}
}

// Estimate compares the range's current state against base, escalating
// tiers until one is conclusive.
func (e *ChangeEstimator) Estimate(ctx context.Context, sheet string, rng Range, base Baseline) (*ChangeTierResult, error) {
	res := &ChangeTierResult{Fresh: base}

	// Tier 1: structure. A version token match proves nothing changed; a
	// dimension change proves something did. Anything else is
	// inconclusive.
	res.Cost += e.cfg.StructureCost
	info, err := e.probeStructure(ctx, sheet)
	if err != nil {
		return nil, err
	}
	res.Fresh.VersionToken = info.VersionToken
	res.Fresh.Rows = info.Rows
	res.Fresh.Cols = info.Cols
	res.Tier = TierStructure
	if info.VersionToken != "" && base.VersionToken != "" && info.VersionToken == base.VersionToken {
		res.Changed = false
		return res, nil
	}
	if info.Rows != base.Rows || info.Cols != base.Cols {
		res.Changed = true
		return res, nil
	}

	// Tier 2: bounded sample. A differing digest proves change; a match
	// only covers the sampled cells, so it escalates.
	res.Cost += e.cfg.SampleCost
	sample, err := e.probe(ctx, KindSampleCells, sheet, rng, map[string]string{
		"max_cells": strconv.Itoa(e.cfg.SampleCells),
	})
	if err != nil {
		return nil, err
	}
	res.Fresh.SampleDigest = xxhash.Sum64(sample.Payload)
	res.Tier = TierSample
	if res.Fresh.SampleDigest != base.SampleDigest {
		res.Changed = true
		return res, nil
	}

	// Tier 3: full comparison, conclusive either way.
	res.Cost += e.cfg.FullCost
	full, err := e.probe(ctx, KindReadValues, sheet, rng, nil)
	if err != nil {
		return nil, err
	}
	res.Fresh.FullDigest = xxhash.Sum64(full.Payload)
	res.Tier = TierFull
	res.Changed = res.Fresh.FullDigest != base.FullDigest
	if full.VersionToken != "" {
		res.Fresh.VersionToken = full.VersionToken
	}
	return res, nil
}

func (e *ChangeEstimator) probeStructure(ctx context.Context, sheet string) (*StructureInfo, error) {
	result, err := e.probe(ctx, KindStructure, sheet, Range{}, nil)
	if err != nil {
		return nil, err
	}
	var info StructureInfo
	if err := json.Unmarshal(result.Payload, &info); err != nil {
		return nil, fmt.Errorf("structure probe: decode: %w", err)
	}
	if info.VersionToken == "" {
		info.VersionToken = result.VersionToken
	}
	return &info, nil
}

func (e *ChangeEstimator) probe(ctx context.Context, kind OperationKind, sheet string, rng Range, params map[string]string) (*Result, error) {
	// A probe answered from the cache can only restate what the cache
	// already believes, so it bypasses caching both ways: it is neither
	// served from a cached entry nor stored as one. Deduplication,
	// admission and batching still apply.
	ctx = WithContextCacheDisabled(ctx)
	return e.doer.Do(ctx, &Operation{
		Kind:   kind,
		Class:  ClassRead,
		Sheet:  sheet,
		Range:  rng,
		Params: params,
	})
}
