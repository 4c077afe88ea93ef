package types

// ManagerKind selects the queue-advance strategy a Pipeline runs (spec §4.4).
type ManagerKind string

const (
	// ManagerIndependent runs every item in its own queue with no ordering
	// dependency on siblings (spec §4.4 "Independent pipelines").
	ManagerIndependent ManagerKind = "independent"
	// ManagerDependent serialises a project's items through a shared queue,
	// speculating on ancestor success and resetting descendants on failure
	// (spec §4.4 "Dependent/gated pipelines").
	ManagerDependent ManagerKind = "dependent"
	// ManagerSerial runs one item at a time per queue with no speculation.
	ManagerSerial ManagerKind = "serial"
	// ManagerSupercedent collapses same-identity items, keeping only the
	// most recently triggered one live (spec §4.4 "Supercedent pipelines").
	ManagerSupercedent ManagerKind = "supercedent"
)

// PrecedenceClass orders which pipeline's node requests are served first
// when the node pool is contended (spec §4.6).
type PrecedenceClass string

const (
	PrecedenceHigh   PrecedenceClass = "high"
	PrecedenceNormal PrecedenceClass = "normal"
	PrecedenceLow    PrecedenceClass = "low"
)

// Trigger names an event shape a Pipeline reacts to, scoped to a source
// connection (spec §4.2, §6).
type Trigger struct {
	Connection string
	EventKind  string // e.g. "patchset-created", "comment-added", "ref-updated"
	Ref        string // regular expression, empty to match any
	RequireApproval []ApprovalFilter
	RejectApproval  []ApprovalFilter
}

// ApprovalFilter matches an Approval by label, one exact Value and an age
// bound (Newer/OlderThan); a range or set of values cannot be expressed.
// It is used both as a Trigger gate and as pipeline start/success/failure
// requirements (spec §4.2 "Pipeline requirements").
type ApprovalFilter struct {
	Label    string
	Newer    bool
	OlderThan string
	Value    *int
}

// Reporter names a configured reporter instance and the action phase it
// fires on (spec §7).
type ReporterRef struct {
	Name  string
	Phase ReportPhase
}

// ReportPhase distinguishes the pre-run ("enqueued") notification from the
// post-run ("start"/"success"/"failure"/"merge-failure") ones (spec §7).
type ReportPhase string

const (
	PhaseEnqueue      ReportPhase = "enqueue"
	PhaseStart        ReportPhase = "start"
	PhaseSuccess      ReportPhase = "success"
	PhaseFailure      ReportPhase = "failure"
	PhaseMergeFailure ReportPhase = "merge-failure"
	PhaseDequeue      ReportPhase = "dequeue"
)

// WindowPolicy holds the AIMD parameters a dependent-pipeline ChangeQueue
// uses to grow/shrink its concurrent build window (spec §4.4).
type WindowPolicy struct {
	Initial        int
	Floor          int
	Ceiling        int
	IncreaseType   string // "linear" or "exponential"
	IncreaseFactor int
	DecreaseFactor int
}

// Pipeline is one named stage of the gate (e.g. "check", "gate", "post").
// Its definition is shared by every tenant that includes it; per-tenant
// queue state lives in ChangeQueue values held by the pipeline manager.
type Pipeline struct {
	Name    string
	Tenant  string
	Manager ManagerKind

	Triggers []Trigger

	// Requirements gate whether a triggered change is eligible to enqueue.
	StartRequirements []ApprovalFilter

	// Reporters fire at the named phases; order is significant for
	// multi-reporter voting pipelines.
	Reporters []ReporterRef

	Precedence PrecedenceClass
	Window     WindowPolicy

	// DequeueOnNewPatchset aborts an in-flight item when a newer revision
	// of its change arrives (true for check, false for post pipelines
	// typically; spec §4.4 edge case).
	DequeueOnNewPatchset bool

	// AllowCycles permits submitted-together/Depends-On cycle bundles to
	// enqueue as a single QueueItem (spec §4.3 edge case).
	AllowCycles     bool
	MaxDependencies int // loaded from pipeline config but not read by the source drivers, which bound refresh by their connection's MaxDependencies
}
