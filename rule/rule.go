// Package rule defines the data model the build engine operates on: the
// stable identity of a build rule, its capability bits, and the key/result
// types threaded through the rest of the engine.
//
// Rule graph construction (parsing BUILD-file-equivalent sources into a DAG
// of these) lives entirely outside this module; this package only defines
// the shape a rule graph must present to the engine.
package rule

import "context"

// Target is the stable string identity of a rule across invocations, e.g.
// "//src/cache:dir_cache". Targets are interned into TargetIds by callers
// that need a small, comparable key for maps.
type Target string

// TargetId is a small integer type for interning a Target. Nothing in this
// module assigns TargetIds: the engine's futures and maps key on Target
// strings.
type TargetId uint32

// KeySize is the fixed width, in bytes, of a RuleKey (160 bits, matching the
// reference implementation's rule key width).
const KeySize = 20

// Key is a fixed-width content hash identifying a specific rule invocation
// under a specific notion of "sameness". The four key families (default,
// input-based, dep-file, manifest) share this type; which family a given
// Key belongs to is tracked by the caller, not encoded in the bytes.
type Key [KeySize]byte

// IsZero reports whether k is the zero key, used as a sentinel for "key not
// computed" (as opposed to a valid key that happens to hash to all zeroes,
// which is the other reason these are usually passed as *Key or alongside a
// boolean).
func (k Key) IsZero() bool {
	return k == Key{}
}

// InputDescriptor is an opaque reference to a single input a rule reported
// having read, as recorded in a dep file. Rules are responsible for
// producing these; the engine only persists and replays them.
type InputDescriptor struct {
	Path string
	Hash []byte
}

// Step is an opaque, executable unit of work contributed by a rule. Its
// actual command list is explicitly out of scope for this module (PURPOSE &
// SCOPE, §1): the engine only knows how to run one and observe its outcome.
type Step interface {
	// Execute runs the step, returning an error if it failed. The context
	// carries cancellation for cooperative interruption (§5).
	Execute(ctx context.Context) error

	// Describe returns a short human-readable description for logging.
	Describe() string
}

// Rule is the capability surface the engine requires of anything in the
// rule graph (§6, "Rule capability bits exposed to the engine"). Concrete
// rule types are supplied entirely by the caller; the engine never
// constructs one.
type Rule interface {
	// Target returns this rule's stable identity.
	Target() Target

	// Dependencies returns the rule's declared (build-time) dependencies.
	Dependencies() []Target

	// RuntimeDeps returns dependencies only needed once this rule's own
	// outputs exist (e.g. a test binary's data files). HasRuntimeDeps
	// gates whether the engine consults this at all.
	HasRuntimeDeps() bool
	RuntimeDeps() []Target

	// Outputs returns the set of declared output paths, relative to the
	// rule's own output directory.
	Outputs() []string

	// Steps returns the ordered list of build steps to execute locally.
	Steps() []Step

	// IsCacheable reports whether this rule's outputs may be stored in
	// and fetched from the artifact cache at all.
	IsCacheable() bool

	// SupportsInputBasedRuleKey reports whether an input-based key may be
	// computed for this rule (§4.2).
	SupportsInputBasedRuleKey() bool

	// UsesDepFileRuleKeys reports whether this rule participates in
	// dep-file based caching (§4.2, §4.6).
	UsesDepFileRuleKeys() bool

	// CoveredByDepFile reports whether path is within this rule's
	// universe of potential dep-file inputs, used to build the
	// over-approximated manifest key (§4.2 ManifestKey).
	CoveredByDepFile(path string) bool

	// InputsAfterBuildingLocally returns the input descriptors this rule
	// actually observed reading during its most recent local build. Only
	// meaningful immediately after a local build (§4.9 post-build step 3).
	InputsAfterBuildingLocally() []InputDescriptor

	// HasPostBuildSteps/PostBuildSteps: steps that run only when outputs
	// have changed, after the main build or cache fetch (§4.9 step 2).
	HasPostBuildSteps() bool
	PostBuildSteps() []Step

	// ABIKey returns a hash of this rule's externally visible interface,
	// used so implementation-only changes in a dependency don't force an
	// input-based rebuild of its dependents (§4.2, GLOSSARY "ABI key").
	// The second return value is false if this rule has no ABI key (e.g.
	// it doesn't support input-based caching).
	ABIKey() (Key, bool)

	// KeyFields returns the rule-key-relevant fields the default and
	// input-based key builders should feed into the canonical serializer
	// (§4.2), in a stable order chosen by the rule itself. InputOnly
	// fields are skipped when building an input-based key.
	KeyFields() []Field
}

// Field is a single rule-key-relevant value, tagged with which key
// variants it should participate in.
type Field struct {
	Name string
	// Value is fed to the canonical serializer. Supported dynamic types:
	// string, []byte, bool, int64, []string, map[string]string, or a
	// SourcePath.
	Value any
	// InputOnly marks a field that should be skipped when building an
	// input-based key (e.g. flags that only affect scheduling, not the
	// rule's output content) — see §4.2 InputBased.
	InputOnly bool
}

// SourcePath is a rule-key field value that must be resolved to a content
// hash via the FileHashCache (C1) rather than serialized directly (§4.2,
// "SourcePath values by their resolved content hash via C1").
type SourcePath string
