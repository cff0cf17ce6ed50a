package domain

// CIDRRule is one allowed-IP entry with optional carve-outs (§3).
type CIDRRule struct {
	CIDR    string   `json:"cidr"`
	Excepts []string `json:"excepts,omitempty"`
}

// PortRule restricts a rule to a port (or range) and protocol.
type PortRule struct {
	Port     int32   `json:"port"`
	EndPort  *int32  `json:"end_port,omitempty"`
	Protocol string  `json:"protocol,omitempty"` // TCP | UDP | SCTP, default TCP
}

// Rule is one ingress or egress rule (§3).
type Rule struct {
	AllowedIPs       []CIDRRule `json:"allowed_ips,omitempty"`
	AllowedGroups    []string   `json:"allowed_groups,omitempty"`
	AllowedTools     []string   `json:"allowed_tools,omitempty"`
	AllowedLocal     bool       `json:"allowed_local,omitempty"`
	AllowedInternet  bool       `json:"allowed_internet,omitempty"`
	AllowedAll       bool       `json:"allowed_all,omitempty"`
	Ports            []PortRule `json:"ports,omitempty"`
	CustomK8sRules   []byte     `json:"custom_k8s_rules,omitempty"`
}

// NetworkPolicy is a named, group-scoped ingress/egress policy (§3).
//
// A nil Ingress/Egress slice means "allow all"; a non-nil empty slice
// means "deny all" (§4.7).
type NetworkPolicy struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	K8sName        string              `json:"k8s_name"` // slug(name) + id
	Groups         []string            `json:"groups"`
	Ingress        []Rule              `json:"ingress"`
	IngressIsSet   bool                `json:"-"`
	Egress         []Rule              `json:"egress"`
	EgressIsSet    bool                `json:"-"`
	ForcedPolicy   bool                `json:"forced_policy"`
	DefaultPolicy  bool                `json:"default_policy"`
	UsedBy         map[string][]string `json:"used_by,omitempty"` // group -> images
}

// Event describes something that happened inside the core and may
// trigger a reaction (§3, §4.8).
type EventKind string

const (
	EventNewSample EventKind = "NewSample"
	EventNewRepo   EventKind = "NewRepo"
	EventNewTag    EventKind = "NewTag"
	EventNewResult EventKind = "NewResult"
	EventNewComment EventKind = "NewComment"
)

// Event is one fact the event bus dispatches to trigger matching
// (§4.8).
type Event struct {
	Kind         EventKind `json:"kind"`
	Target       string    `json:"target"`
	Groups       []string  `json:"groups"`
	TriggerDepth int       `json:"trigger_depth"`
}
