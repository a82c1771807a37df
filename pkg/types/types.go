package types

import (
	"sort"
	"time"
)

// ServiceID uniquely identifies an installed service
type ServiceID string

// HealthCheckID identifies a health check within one manifest
type HealthCheckID string

// Manifest is the immutable configuration of an installed service
type Manifest struct {
	ID           ServiceID
	Title        string
	Version      string
	HealthChecks []HealthCheckDef // Ordered as declared
	Containers   []ContainerSpec
	Volumes      []VolumeMount
	Dependencies map[ServiceID]DependencySpec
}

// HealthCheckIDs returns the check ids in declaration order
func (m *Manifest) HealthCheckIDs() []HealthCheckID {
	ids := make([]HealthCheckID, 0, len(m.HealthChecks))
	for _, hc := range m.HealthChecks {
		ids = append(ids, hc.ID)
	}
	return ids
}

// HasHealthCheck reports whether the manifest defines the given check
func (m *Manifest) HasHealthCheck(id HealthCheckID) bool {
	for _, hc := range m.HealthChecks {
		if hc.ID == id {
			return true
		}
	}
	return false
}

// HealthCheckDef defines a single named probe
type HealthCheckDef struct {
	ID        HealthCheckID
	Name      string
	Type      HealthCheckType // "http", "tcp", "exec"
	Container string          // Container name the probe targets
	Endpoint  string          // URL, path or ":port"
	Command   []string        // For exec type
	Timeout   time.Duration
}

// HealthCheckType defines the type of health check
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
	HealthCheckExec HealthCheckType = "exec"
)

// ContainerSpec describes a runtime container backing a service
type ContainerSpec struct {
	Name    string
	Image   string
	Address string // Host or IP the container is reachable on
	Env     []string
}

// VolumeMount defines a volume mount point
type VolumeMount struct {
	Source   string // Volume name
	Target   string // Container path
	ReadOnly bool
}

// DependencySpec declares which checks of a dependency a service requires
type DependencySpec struct {
	HealthChecks []HealthCheckID
	Optional     bool
}

// MainState is the lifecycle state of a service
type MainState string

const (
	MainStateStopped    MainState = "stopped"
	MainStateStarting   MainState = "starting"
	MainStateRunning    MainState = "running"
	MainStateStopping   MainState = "stopping"
	MainStateRestarting MainState = "restarting"
	MainStateBackingUp  MainState = "backing-up"
)

// MainStatus is the lifecycle status of a service. Started and Health are only
// meaningful while State is MainStateRunning.
type MainStatus struct {
	State   MainState
	Started *time.Time    `json:",omitempty"`
	Health  HealthResults `json:",omitempty"`
}

// Running builds a running status
func Running(started time.Time, health HealthResults) MainStatus {
	if health == nil {
		health = HealthResults{}
	}
	return MainStatus{
		State:   MainStateRunning,
		Started: &started,
		Health:  health,
	}
}

// Stopped builds a stopped status
func Stopped() MainStatus {
	return MainStatus{State: MainStateStopped}
}

// IsRunning reports whether the status is the running variant
func (s MainStatus) IsRunning() bool {
	return s.State == MainStateRunning && s.Started != nil
}

// StartedAt returns the start timestamp when running
func (s MainStatus) StartedAt() (time.Time, bool) {
	if !s.IsRunning() {
		return time.Time{}, false
	}
	return *s.Started, true
}

// Result is the outcome of a single health check
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// HealthCheckResult is the outcome of one health check with optional diagnostics
type HealthCheckResult struct {
	Result  Result
	Message string `json:",omitempty"`
}

// Success builds a successful result
func Success(message string) HealthCheckResult {
	return HealthCheckResult{Result: ResultSuccess, Message: message}
}

// Failure builds a failed result
func Failure(message string) HealthCheckResult {
	return HealthCheckResult{Result: ResultFailure, Message: message}
}

// IsSuccess reports whether the check passed
func (r HealthCheckResult) IsSuccess() bool {
	return r.Result == ResultSuccess
}

// HealthResults maps check ids to their latest result
type HealthResults map[HealthCheckID]HealthCheckResult

// Failing returns the ids of every non-successful check, sorted
func (h HealthResults) Failing() []HealthCheckID {
	var ids []HealthCheckID
	for id, res := range h {
		if !res.IsSuccess() {
			ids = append(ids, id)
		}
	}
	sortCheckIDs(ids)
	return ids
}

// Clone returns a copy of the results
func (h HealthResults) Clone() HealthResults {
	out := make(HealthResults, len(h))
	for id, res := range h {
		out[id] = res
	}
	return out
}

// Equal reports whether both maps hold the same results
func (h HealthResults) Equal(other HealthResults) bool {
	if len(h) != len(other) {
		return false
	}
	for id, res := range h {
		if o, ok := other[id]; !ok || o != res {
			return false
		}
	}
	return true
}

// DependencyInfo records which health checks of a dependency are required
type DependencyInfo struct {
	HealthChecks []HealthCheckID
}

// Subscribes reports whether the check is one of the required ones
func (d DependencyInfo) Subscribes(id HealthCheckID) bool {
	for _, hc := range d.HealthChecks {
		if hc == id {
			return true
		}
	}
	return false
}

// CurrentDependents is owned by the depended-upon service and lists every
// installed service that depends on it
type CurrentDependents map[ServiceID]DependencyInfo

// CurrentDependencies is owned by the dependent and mirrors CurrentDependents
type CurrentDependencies map[ServiceID]DependencyInfo

// IDs returns the dependent ids in a stable order
func (c CurrentDependents) IDs() []ServiceID {
	return sortedServiceIDs(c)
}

// DependencyErrorKind tags the reason a dependency edge is broken
type DependencyErrorKind string

const (
	DependencyErrorHealthChecksFailed DependencyErrorKind = "health-checks-failed"
	DependencyErrorTransitive         DependencyErrorKind = "transitive"
)

// DependencyError is the reason recorded on a dependent -> dependency edge
type DependencyError struct {
	Kind     DependencyErrorKind
	Failures HealthResults `json:",omitempty"`
}

// HealthChecksFailed builds a health-checks-failed error
func HealthChecksFailed(failures HealthResults) DependencyError {
	return DependencyError{Kind: DependencyErrorHealthChecksFailed, Failures: failures}
}

// Transitive builds an error meaning the dependency is itself broken
func Transitive() DependencyError {
	return DependencyError{Kind: DependencyErrorTransitive}
}

// Outranks reports whether e is a more specific reason than other. A
// transitive reason never replaces a health check failure.
func (e DependencyError) Outranks(other DependencyError) bool {
	return e.Kind == DependencyErrorHealthChecksFailed && other.Kind == DependencyErrorTransitive
}

// Equal reports whether two errors carry the same reason and failures
func (e DependencyError) Equal(other DependencyError) bool {
	return e.Kind == other.Kind && e.Failures.Equal(other.Failures)
}

// DependencyErrors maps a dependency to the single error on that edge
type DependencyErrors map[ServiceID]DependencyError

// IDs returns the broken dependency ids in a stable order
func (d DependencyErrors) IDs() []ServiceID {
	return sortedServiceIDs(d)
}

func sortedServiceIDs[V any](m map[ServiceID]V) []ServiceID {
	ids := make([]ServiceID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortCheckIDs(ids []HealthCheckID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
