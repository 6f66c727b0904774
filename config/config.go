// Package config holds the string-tagged configuration enums shared
// by training and inference setups, plus the logging verbosity glue.
//
// The enums are plain string types so they round-trip through JSON,
// YAML and command-line flags without adapters; each carries a Valid
// method for checking values read from the outside.
package config

import (
	"flag"
	"fmt"
	"strconv"

	"k8s.io/klog/v2"
)

// Optimizer selects the parameter update rule.
type Optimizer string

const (
	OptimizerAdafactor Optimizer = "adafactor"
	OptimizerLion      Optimizer = "lion"
	OptimizerAdamW     Optimizer = "adamw"
	OptimizerRMSProp   Optimizer = "rmsprop"
)

// Valid reports whether o names a known optimizer.
func (o Optimizer) Valid() bool {
	switch o {
	case OptimizerAdafactor, OptimizerLion, OptimizerAdamW, OptimizerRMSProp:
		return true
	}
	return false
}

// Scheduler selects the learning rate schedule.
type Scheduler string

const (
	SchedulerLinear       Scheduler = "linear"
	SchedulerCosine       Scheduler = "cosine"
	SchedulerNone         Scheduler = "none"
	SchedulerWarmUpCosine Scheduler = "warm_up_cosine"
	SchedulerWarmUpLinear Scheduler = "warm_up_linear"
)

// Valid reports whether s names a known scheduler.
func (s Scheduler) Valid() bool {
	switch s {
	case SchedulerLinear, SchedulerCosine, SchedulerNone,
		SchedulerWarmUpCosine, SchedulerWarmUpLinear:
		return true
	}
	return false
}

// GradientCheckpointer selects which intermediate activations are
// kept during the forward pass and which are recomputed during the
// backward pass.
type GradientCheckpointer string

const (
	CheckpointEverythingSaveable GradientCheckpointer = "everything_saveable"
	CheckpointNothingSaveable    GradientCheckpointer = "nothing_saveable"
	CheckpointDots               GradientCheckpointer = "checkpoint_dots"
	CheckpointDotsNoBatchDims    GradientCheckpointer = "checkpoint_dots_with_no_batch_dims"
)

// Valid reports whether g names a known checkpointing policy.
func (g GradientCheckpointer) Valid() bool {
	switch g {
	case CheckpointEverythingSaveable, CheckpointNothingSaveable,
		CheckpointDots, CheckpointDotsNoBatchDims:
		return true
	}
	return false
}

// AttentionMechanism selects the attention implementation.
type AttentionMechanism string

const (
	AttentionVanilla        AttentionMechanism = "vanilla"
	AttentionFlash2         AttentionMechanism = "flash_attn2"
	AttentionSplash         AttentionMechanism = "splash"
	AttentionRing           AttentionMechanism = "ring"
	AttentionCUDNN          AttentionMechanism = "cudnn"
	AttentionShardedVanilla AttentionMechanism = "sharded_vanilla"
	AttentionBlockwise      AttentionMechanism = "blockwise"
)

// DefaultAttentionMechanism is used when a model configuration does
// not name one.
const DefaultAttentionMechanism = AttentionFlash2

// Valid reports whether a names a known attention mechanism.
func (a AttentionMechanism) Valid() bool {
	switch a {
	case AttentionVanilla, AttentionFlash2, AttentionSplash, AttentionRing,
		AttentionCUDNN, AttentionShardedVanilla, AttentionBlockwise:
		return true
	}
	return false
}

// SparseModuleType selects the sparse matrix storage layout.
type SparseModuleType string

const (
	SparseBCOO SparseModuleType = "bcoo"
	SparseBCSR SparseModuleType = "bcsr"
	SparseCOO  SparseModuleType = "coo"
	SparseCSR  SparseModuleType = "csr"
)

// Valid reports whether s names a known sparse layout.
func (s SparseModuleType) Valid() bool {
	switch s {
	case SparseBCOO, SparseBCSR, SparseCOO, SparseCSR:
		return true
	}
	return false
}

// ParseAttentionMechanism validates a string read from configuration
// and returns it as an AttentionMechanism.
func ParseAttentionMechanism(s string) (AttentionMechanism, error) {
	a := AttentionMechanism(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown attention mechanism %q", s)
	}
	return a, nil
}

// SetLogVerbosity adjusts the klog verbosity threshold for the whole
// process. Kernel launch traces log at verbosity 2.
func SetLogVerbosity(level int) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if err := fs.Set("v", strconv.Itoa(level)); err != nil {
		return fmt.Errorf("setting log verbosity: %w", err)
	}
	return nil
}
