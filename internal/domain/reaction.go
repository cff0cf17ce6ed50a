package domain

import "time"

// ReactionStatus is the lifecycle state of a reaction or job (§3).
// Completed and Failed are terminal.
type ReactionStatus string

const (
	StatusCreated   ReactionStatus = "Created"
	StatusStarted   ReactionStatus = "Started"
	StatusRunning   ReactionStatus = "Running"
	StatusCompleted ReactionStatus = "Completed"
	StatusFailed    ReactionStatus = "Failed"
)

// Terminal reports whether the status is Completed or Failed.
func (s ReactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CommandArgs carries the positionals/kwargs/switches/override-opts a
// reaction contributes to a job's command overlay (§4.3, §4.6).
type CommandArgs struct {
	Positionals []string            `json:"positionals,omitempty"`
	Kwargs      map[string][]string `json:"kwargs,omitempty"`
	Switches    []string            `json:"switches,omitempty"`
	Opts        OverlayOpts         `json:"opts"`
}

// OverlayOpts controls override semantics for the command overlay
// (§4.6 step 1, steps 6/7).
type OverlayOpts struct {
	OverrideCmd         []string `json:"override_cmd,omitempty"`
	OverridePositionals bool     `json:"override_positionals,omitempty"`
	OverrideKwargs      bool     `json:"override_kwargs,omitempty"`
}

// Reaction is one execution of a pipeline over a specific input set
// (§3).
type Reaction struct {
	ID                     string            `json:"id"`
	Group                  string            `json:"group"`
	Pipeline               string            `json:"pipeline"`
	Creator                string            `json:"creator"`
	Status                 ReactionStatus    `json:"status"`
	CurrentStage           int               `json:"current_stage"`
	CurrentStageLength     int               `json:"current_stage_length"`
	CurrentStageProgress   int               `json:"current_stage_progress"`
	Args                   CommandArgs       `json:"args"`
	SLA                    time.Time         `json:"sla"` // absolute deadline
	Tags                   map[string][]string `json:"tags,omitempty"`
	Samples                []string          `json:"samples,omitempty"`
	Ephemeral              []string          `json:"ephemeral,omitempty"`
	ParentEphemeral        map[string]string `json:"parent_ephemeral,omitempty"` // name -> parent reaction id
	Repos                  []string          `json:"repos,omitempty"`
	Parent                 string            `json:"parent,omitempty"`
	SubReactions           int               `json:"sub_reactions"`
	CompletedSubReactions  int               `json:"completed_sub_reactions"`
	TriggerDepth           int               `json:"trigger_depth,omitempty"`
	Generators             map[string]bool   `json:"generators,omitempty"` // job ids
}

// Job is one stage's materialised unit of work (§3).
type Job struct {
	ID              string              `json:"id"`
	Reaction        string              `json:"reaction"`
	Group           string              `json:"group"`
	Pipeline        string              `json:"pipeline"`
	Stage           int                 `json:"stage"`
	Image           string              `json:"image"`
	Creator         string              `json:"creator"`
	Status          ReactionStatus      `json:"status"`
	Deadline        time.Time           `json:"deadline"`
	Worker          string              `json:"worker,omitempty"`
	Scaler          Scaler              `json:"scaler"`
	Generator       bool                `json:"generator"`
	Samples         []string            `json:"samples,omitempty"`
	Ephemeral       []string            `json:"ephemeral,omitempty"`
	ParentEphemeral map[string]string   `json:"parent_ephemeral,omitempty"`
	Repos           []string            `json:"repos,omitempty"`
	Args            CommandArgs         `json:"args"`
	TriggerDepth    int                 `json:"trigger_depth,omitempty"`
}

// StatusLogEntry is one append-only entry in a reaction's structured
// status log (§7 "failed reactions show a structured status log").
type StatusLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    ReactionStatus `json:"status"`
	Actor     string         `json:"actor"`
	Message   string         `json:"message,omitempty"`
}
