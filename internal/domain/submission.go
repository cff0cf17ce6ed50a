package domain

import "time"

// Origin is the discriminated union describing how a submission
// entered the system (§4.2: "origin may contribute tags").
type Origin struct {
	Kind   string            `json:"kind"` // e.g. "upload", "url", "child", "copy"
	Fields map[string]string `json:"fields,omitempty"`
}

// Tags returns any tags the origin contributes at submission time.
func (o Origin) Tags() map[string][]string {
	switch o.Kind {
	case "url":
		if u, ok := o.Fields["url"]; ok {
			return map[string][]string{"origin-url": {u}}
		}
	case "child":
		if p, ok := o.Fields["parent"]; ok {
			return map[string][]string{"parent": {p}}
		}
	}
	return nil
}

// Submission is one (group, file, id) row for a sample (§3).
type Submission struct {
	SHA256      string    `json:"sha256"`
	SHA1        string    `json:"sha1"`
	MD5         string    `json:"md5"`
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Origin      Origin    `json:"origin"`
	Submitter   string    `json:"submitter"`
	Uploaded    time.Time `json:"uploaded"`
	Group       string    `json:"group"`
}

// Sample is the logical aggregate of Submission rows sharing a
// sha256 across groups.
type Sample struct {
	SHA256 string
	SHA1   string
	MD5    string
	Rows   []Submission // one per (group, id)
}

// Groups returns the distinct set of groups this sample has rows in.
func (s *Sample) Groups() map[string]bool {
	out := map[string]bool{}
	for _, r := range s.Rows {
		out[r.Group] = true
	}
	return out
}

// EarliestInGroup returns the minimum Uploaded timestamp among rows
// belonging to group, and whether any row exists.
func (s *Sample) EarliestInGroup(group string) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, r := range s.Rows {
		if r.Group != group {
			continue
		}
		if !found || r.Uploaded.Before(earliest) {
			earliest = r.Uploaded
			found = true
		}
	}
	return earliest, found
}

// RepoScheme identifies the transport used to resolve a repo URL.
type RepoScheme string

const (
	RepoSchemeHTTPS RepoScheme = "https"
	RepoSchemeSSH   RepoScheme = "ssh"
	RepoSchemeGit   RepoScheme = "git"
)

// Repo is a tracked source repository (§3).
type Repo struct {
	URL             string     `json:"url"` // normalised: scheme stripped, no trailing .git, no empty segments
	Provider        string     `json:"provider"`
	User            string     `json:"user"`
	Name            string     `json:"name"`
	Scheme          RepoScheme `json:"scheme"`
	DefaultCheckout string     `json:"default_checkout,omitempty"`
	Creator         string     `json:"creator"`
	Uploaded        time.Time  `json:"uploaded"`
	Group           string     `json:"group"`
	Earliest        *time.Time `json:"earliest,omitempty"`
}

// CommitishKind distinguishes the three ref flavours a repo upload can
// be tagged with.
type CommitishKind string

const (
	CommitishCommit CommitishKind = "Commit"
	CommitishBranch CommitishKind = "Branch"
	CommitishTag    CommitishKind = "Tag"
)

// Commitish identifies a single revision of a Repo (§3).
type Commitish struct {
	Kind      CommitishKind `json:"kind"`
	Key       string        `json:"key"` // branch/tag name or commit hash
	Timestamp time.Time     `json:"timestamp"`
	Group     string        `json:"group"`
	DataHash  string        `json:"data_hash"` // sha256 of the repo-data blob
}

// Comment is a user annotation attached to one or more groups, with
// optional attachments (§3).
type Comment struct {
	ID          string            `json:"id"`
	Groups      []string          `json:"groups"`
	Author      string            `json:"author"`
	Uploaded    time.Time         `json:"uploaded"`
	Text        string            `json:"text"`
	Attachments map[string]string `json:"attachments,omitempty"` // name -> blob id
}
