package config

// HandleTypeName is the engine-visible type name reported when a value fails
// the genuine-handle check.
const HandleTypeName = "luabridge.handle"

// MaxCaptureSlots is the engine's capture-slot ceiling for a published
// callable. One slot past the caller's captures is always reserved for the
// closure anchor.
const MaxCaptureSlots = 60

// DefaultSummaryBudget caps the character length of a table summary produced
// when reading a composite value into the primitive union.
const DefaultSummaryBudget = 256

// DefaultStackLimit is the evaluation-stack ceiling enforced by the stack
// guard when the host does not configure one.
const DefaultStackLimit = 1 << 16

// DefaultMaxSourceBytes bounds the size of a file accepted by the sandboxed
// file loaders. Zero disables the bound.
const DefaultMaxSourceBytes = 1 << 20

// Globals removed outright by the sandbox: module loading has no safe
// reimplementation.
var ModuleGlobals = []string{"require", "module", "package"}

// Globals the host contract removes before the sandbox runs; the sandbox
// only asserts their absence.
var HostRemovedGlobals = []string{"os", "io"}
