package domain

import "time"

// DependencyStrategy controls how a dependency kind's resolved paths
// are injected into a job's argv (§4.6 ArgStrategy).
type DependencyStrategy string

const (
	StrategyNone   DependencyStrategy = "None"
	StrategyAppend DependencyStrategy = "Append"
	StrategyKwarg  DependencyStrategy = "Kwarg"
)

// KwargDependencyKind controls how results dependencies are injected:
// None (positional), List (single kwarg), or Map (per-tool kwarg),
// per §4.6 step 3.
type KwargDependencyKind string

const (
	KwargDepNone KwargDependencyKind = "None"
	KwargDepList KwargDependencyKind = "List"
	KwargDepMap  KwargDependencyKind = "Map"
)

// ResultsDependency describes how result-tool paths feed into argv.
type ResultsDependency struct {
	Kind KwargDependencyKind `json:"kind"`
	List string              `json:"list,omitempty"`          // kwarg key, when Kind==List
	Map  map[string]string   `json:"map,omitempty"`           // tool -> kwarg key, when Kind==Map
}

// Dependency describes where one dependency kind's resolved paths are
// injected (§3 Image.dependencies).
type Dependency struct {
	Location string             `json:"location"`
	Kwarg    string             `json:"kwarg,omitempty"`
	Strategy DependencyStrategy `json:"strategy"`
	Names    []string           `json:"names,omitempty"`
}

// Dependencies groups every dependency kind an image can declare.
type Dependencies struct {
	Samples   Dependency        `json:"samples"`
	Ephemeral Dependency        `json:"ephemeral"`
	Repos     Dependency        `json:"repos"`
	Results   ResultsDependency `json:"results"`
	Tags      Dependency        `json:"tags"`
	Children  Dependency        `json:"children"`
}

// ChildFilters restricts which files a generator/child submission
// step accepts (§3).
type ChildFilters struct {
	Mime             []string `json:"mime,omitempty"`
	FileName         []string `json:"file_name,omitempty"`
	FileExtension    []string `json:"file_extension,omitempty"`
	SubmitNonMatches bool     `json:"submit_non_matches"`
}

// ImageArgs holds the optional kwarg names for auto-injected reaction
// metadata (§4.6 steps 4/5, image.args.repo/commit).
type ImageArgs struct {
	Repo     string `json:"repo,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Reaction string `json:"reaction,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Resources is the resource request/limit set for one worker.
type Resources struct {
	CPU          string `json:"cpu,omitempty"`
	Memory       string `json:"memory,omitempty"`
	Ephemeral    string `json:"ephemeral,omitempty"`
	NvidiaGPU    int    `json:"nvidia_gpu,omitempty"`
	AmdGPU       int    `json:"amd_gpu,omitempty"`
	WorkerSlots  int    `json:"worker_slots,omitempty"`
}

// ImageBan is a durable ban placed on an image after a terminal
// scheduler error (§4.7, §7).
type ImageBan struct {
	ID     string    `json:"id"`
	Reason string    `json:"reason"`
	Banned time.Time `json:"banned"`
}

// Image describes one tool container (§3).
type Image struct {
	Group            string              `json:"group"`
	Name             string              `json:"name"`
	Scaler           Scaler              `json:"scaler"`
	Resources        Resources           `json:"resources"`
	SpawnLimit       int                 `json:"spawn_limit,omitempty"`
	Lifetime         *time.Duration      `json:"lifetime,omitempty"`
	Timeout          *time.Duration      `json:"timeout,omitempty"`
	Entrypoint       []string            `json:"entrypoint,omitempty"`
	Cmd              []string            `json:"cmd,omitempty"`
	Args             ImageArgs           `json:"args"`
	Env              map[string]string   `json:"env,omitempty"`
	Volumes          []string            `json:"volumes,omitempty"`
	Dependencies     Dependencies        `json:"dependencies"`
	ChildFilters     ChildFilters        `json:"child_filters"`
	CleanUp          bool                `json:"clean_up,omitempty"`
	Kvm              bool                `json:"kvm,omitempty"`
	Bans             map[string]ImageBan `json:"bans,omitempty"`
	NetworkPolicies  map[string]bool     `json:"network_policies,omitempty"`
	UsedBy           []string            `json:"used_by,omitempty"` // pipelines
	CollectLogs      bool                `json:"collect_logs,omitempty"`
	Generator        bool                `json:"generator,omitempty"`
	OutputCollection string              `json:"output_collection,omitempty"`
	DisplayType      DisplayType         `json:"display_type,omitempty"`
	Runtime          time.Duration       `json:"runtime,omitempty"` // expected cost, used for SLA distribution
}

// Banned reports whether the image is "banned" per §3 (ban map
// non-empty).
func (i *Image) Banned() bool { return len(i.Bans) > 0 }

// ValidateNetworkPolicies enforces "network policies are allowed only
// when scaler=K8s" (§3 Image invariants).
func (i *Image) ValidateNetworkPolicies() error {
	if i.Scaler != ScalerK8s && len(i.NetworkPolicies) > 0 {
		return errImageNetworkPolicyScaler
	}
	return nil
}

// Stage is one parallel group of images within a pipeline's order.
type Stage = []string // image names running in parallel within this order slot

// Pipeline is a stage-ordered DAG over images (§3).
type Pipeline struct {
	Group    string          `json:"group"`
	Name     string          `json:"name"`
	Order    []Stage         `json:"order"`
	SLA      time.Duration   `json:"sla"`
	Triggers []Trigger       `json:"triggers,omitempty"`
	Bans     map[string]Ban  `json:"bans,omitempty"`
}

// Ban is a ban on a pipeline, e.g. propagated from a banned image.
type Ban struct {
	ID     string    `json:"id"`
	Reason string    `json:"reason"`
	Kind   string    `json:"kind"` // "BannedImage" | other
	Banned time.Time `json:"banned"`
}

// Trigger describes an event kind that should spawn this pipeline as
// a reaction (§4.8).
type Trigger struct {
	EventKind string            `json:"event_kind"`
	TagFilter map[string]string `json:"tag_filter,omitempty"`
}
