package marketplace

import (
	"fmt"
	"sort"
	"time"
)

// Role is the closed set of actor roles
type Role string

const (
	RoleRegular Role = "ROLE_USER"
	RoleAdmin   Role = "ROLE_ADMIN"
)

// ParseRole converts a stored role string into a Role
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRegular, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Actor is an already-authenticated identity. The marketplace never mutates actors.
type Actor struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Active   bool   `json:"active"`
}

// IsAdmin reports whether the actor is an administrator
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Requester is the optional actor behind a read request.
// The zero value is an anonymous requester.
type Requester struct {
	actor         Actor
	authenticated bool
}

// Anonymous returns a requester with no identity
func Anonymous() Requester {
	return Requester{}
}

// AsActor returns a requester for an authenticated actor
func AsActor(a Actor) Requester {
	return Requester{actor: a, authenticated: true}
}

// Actor returns the requesting actor and whether there is one
func (r Requester) Actor() (Actor, bool) {
	return r.actor, r.authenticated
}

// IsAdmin reports whether the requester is an authenticated administrator
func (r Requester) IsAdmin() bool {
	return r.authenticated && r.actor.IsAdmin()
}

// Is reports whether the requester is the authenticated actor with the given id
func (r Requester) Is(actorID int64) bool {
	return r.authenticated && r.actor.ID == actorID
}

// Tag is a normalized tag value; two tags are equal when their names are equal
type Tag struct {
	Name string `json:"name"`
}

// UniqueTags drops duplicate and empty names and returns the tags sorted by name
func UniqueTags(tags ...Tag) []Tag {
	seen := make(map[string]struct{}, len(tags))
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if t.Name == "" {
			continue
		}
		if _, ok := seen[t.Name]; ok {
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RepositoryMetadata is a snapshot of the extension's source repository
type RepositoryMetadata struct {
	Link         string    `json:"link"`
	LastCommit   time.Time `json:"last_commit"`
	OpenIssues   int       `json:"open_issues"`
	PullRequests int       `json:"pull_requests"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Artifact describes the uploaded extension package
type Artifact struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
}

// Extension is the marketplace aggregate. Values are treated as immutable:
// every change derives a new value which is then saved.
type Extension struct {
	ID              int64               `json:"id"`
	Name            string              `json:"name"`
	Version         string              `json:"version"`
	Description     string              `json:"description"`
	Pending         bool                `json:"pending"`
	Featured        bool                `json:"featured"`
	UploadDate      time.Time           `json:"upload_date"`
	TimesDownloaded int64               `json:"times_downloaded"`
	Owner           Actor               `json:"owner"`
	Tags            []Tag               `json:"tags"`
	Metadata        *RepositoryMetadata `json:"metadata,omitempty"`
	Artifact        *Artifact           `json:"artifact,omitempty"`
}

// RepositoryLink returns the stored repository link, if any
func (e Extension) RepositoryLink() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.Link
}

// clone returns a deep copy so derived values never share slices or pointers
func (e Extension) clone() Extension {
	out := e
	out.Tags = append([]Tag(nil), e.Tags...)
	if e.Metadata != nil {
		m := *e.Metadata
		out.Metadata = &m
	}
	if e.Artifact != nil {
		a := *e.Artifact
		out.Artifact = &a
	}
	return out
}

func (e Extension) withDetails(name, version, description string, tags []Tag, metadata *RepositoryMetadata) Extension {
	out := e.clone()
	out.Name = name
	out.Version = version
	out.Description = description
	out.Tags = UniqueTags(tags...)
	out.Metadata = nil
	if metadata != nil {
		m := *metadata
		out.Metadata = &m
	}
	return out
}

func (e Extension) withPending(pending bool) Extension {
	out := e.clone()
	out.Pending = pending
	return out
}

func (e Extension) withFeatured(featured bool) Extension {
	out := e.clone()
	out.Featured = featured
	return out
}

func (e Extension) withDownload() Extension {
	out := e.clone()
	out.TimesDownloaded++
	return out
}

func (e Extension) withMetadata(m RepositoryMetadata) Extension {
	out := e.clone()
	out.Metadata = &m
	return out
}

func (e Extension) withArtifact(a Artifact) Extension {
	out := e.clone()
	out.Artifact = &a
	return out
}

// ExtensionSpec is the caller-supplied content of a create or update command
type ExtensionSpec struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Github      string `json:"github"`
	Tags        string `json:"tags"`
}

// ExtensionView is the flattened, read-only representation returned to callers
type ExtensionView struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	Description     string     `json:"description"`
	Pending         bool       `json:"pending"`
	Featured        bool       `json:"featured"`
	UploadDate      time.Time  `json:"uploadDate"`
	TimesDownloaded int64      `json:"timesDownloaded"`
	OwnerID         int64      `json:"ownerId"`
	OwnerName       string     `json:"ownerName"`
	Tags            []string   `json:"tags"`
	GitHubLink      string     `json:"gitHubLink,omitempty"`
	LastCommit      *time.Time `json:"lastCommit,omitempty"`
	OpenIssues      int        `json:"openIssues"`
	PullRequests    int        `json:"pullRequests"`
	HasArtifact     bool       `json:"hasArtifact"`
	ArtifactSize    int64      `json:"artifactSize,omitempty"`
}

// PageView is one page of the public listing
type PageView struct {
	Extensions   []ExtensionView `json:"extensions"`
	TotalResults int64           `json:"totalResults"`
	CurrentPage  int             `json:"currentPage"`
	TotalPages   int             `json:"totalPages"`
}

// RefreshReport summarizes a metadata refresh sweep
type RefreshReport struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}
