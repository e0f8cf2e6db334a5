// Package models holds the entities of the persisted data model, shared
// across every component instead of being redeclared per-package.
package models

import "fmt"

// Provider identifies one of the two supported source-hosting providers.
type Provider string

const (
	ProviderBitbucket Provider = "bitbucket"
	ProviderGithub    Provider = "github"
)

// Repository is unique by (provider, owner, name). local_dir is set
// exactly once, by RepoCache, on first clone.
type Repository struct {
	Provider  Provider `json:"provider"`
	Owner     string   `json:"owner"`
	Name      string   `json:"name"`
	CloneURL  string   `json:"clone_url"`
	LocalDir  string   `json:"local_dir,omitempty"`
	Private   bool     `json:"private"`
}

// Key returns the store key for this repository record.
func (r Repository) Key() string {
	return fmt.Sprintf("%s/%s/%s", r.Provider, r.Owner, r.Name)
}

// AuthRecord is the single current credential snapshot for a provider.
// Usable iff now < IssuedAt + ExpiresIn - skew (AuthCache enforces this).
type AuthRecord struct {
	Provider     Provider `json:"provider"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	IssuedAt     int64    `json:"issued_at"`
	ExpiresIn    int64    `json:"expires_in"`
	InstallID    string   `json:"install_id,omitempty"`
}

// ExpiresAt is IssuedAt + ExpiresIn, in unix seconds.
func (a AuthRecord) ExpiresAt() int64 { return a.IssuedAt + a.ExpiresIn }

// RelevanceRecord is a single contributor's share of a PR, stored inside
// a Review once RelevanceCalculator runs.
type RelevanceRecord struct {
	Provider   Provider `json:"provider"`
	GitAlias   string   `json:"git_alias"`
	Percentage float64  `json:"percentage"`
	Handles    []string `json:"handles,omitempty"`
}

// Review tracks one pull request through the pipeline. db_key is
// "{provider}/{owner}/{repo}/{pr_id}"; created on first event, mutated
// when relevance is computed, never deleted.
type Review struct {
	Provider   Provider          `json:"provider"`
	Owner      string            `json:"owner"`
	Repo       string            `json:"repo"`
	PRID       string            `json:"pr_id"`
	BaseSHA    string            `json:"base_sha"`
	HeadSHA    string            `json:"head_sha"`
	Author     string            `json:"author"`
	CloneDir   string            `json:"clone_dir"`
	CloneURL   string            `json:"clone_url"`
	DBKey      string            `json:"db_key"`
	Relevance  []RelevanceRecord `json:"relevance,omitempty"`
}

// Key computes db_key from the review's identity fields.
func (r Review) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.Provider, r.Owner, r.Repo, r.PRID)
}

// RepoConfig holds the per-repo publish toggles. Defaults per spec:
// comment=true, auto_assign=true, diff_graph=false.
type RepoConfig struct {
	Comment    bool `json:"comment"`
	AutoAssign bool `json:"auto_assign"`
	DiffGraph  bool `json:"diff_graph"`
}

// DefaultRepoConfig returns the spec-mandated defaults.
func DefaultRepoConfig() RepoConfig {
	return RepoConfig{Comment: true, AutoAssign: true, DiffGraph: false}
}

// Side identifies which half of a diff a Hunk belongs to.
type Side string

const (
	SideAdded   Side = "ADDED"
	SideDeleted Side = "DELETED"
)

// Hunk is derived from a diff; never persisted individually.
type Hunk struct {
	File       string `json:"file"`
	Side       Side   `json:"side"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	HeaderLine string `json:"header_line,omitempty"`
}

// BlameItem is produced by DiffEngine and consumed by RelevanceCalculator.
// A run of consecutive lines by the same author is coalesced into one.
type BlameItem struct {
	AuthorAlias string `json:"author_alias"`
	Timestamp   int64  `json:"timestamp"`
	LineStart   int    `json:"line_start"`
	LineEnd     int    `json:"line_end"`
	File        string `json:"file"`
	Commit      string `json:"commit"`
}

// AliasMap is the value stored at "{provider}/aliases/{alias}": the set
// of provider handles a git author email has been resolved to.
type AliasMap struct {
	GitAlias string   `json:"git_alias"`
	Handles  []string `json:"handles"`
}

// FuncDef lives only during a graph build.
type FuncDef struct {
	File      string `json:"file"`
	Name      string `json:"name"`
	Parent    string `json:"parent,omitempty"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
}

// FileHunks is the per-file entry of a HunkDiffMap: added and deleted
// ranges, independent of one another.
type FileHunks struct {
	AddedHunks   []Hunk `json:"added_hunks"`
	DeletedHunks []Hunk `json:"deleted_hunks"`
}

// HunkDiffMap is the snapshot persisted at
// "{provider}/{owner}/{name}/{pr}/{base}/{head}". Lives only during a
// graph build but is persisted so repeated requests are idempotent.
type HunkDiffMap struct {
	Files          map[string]FileHunks  `json:"files"`
	AddedFilesMap  map[string][]FuncDef  `json:"added_files_map,omitempty"`
	DeletedFilesMap map[string][]FuncDef `json:"deleted_files_map,omitempty"`
}

// GraphEdge is a single resolved call edge in the rendered flowchart.
type GraphEdge struct {
	FromFile string `json:"from_file"`
	FromFunc string `json:"from_func"`
	ToFile   string `json:"to_file"`
	ToFunc   string `json:"to_func"`
	Line     int    `json:"line"`
	Color    string `json:"color"` // "green" or "red"
}

// GraphInfo is the snapshotted intermediate for (review_key, commit),
// persisted at "graph_info/{review_key}/{commit}" so repeated graph
// requests are idempotent.
type GraphInfo struct {
	ReviewKey string      `json:"review_key"`
	Commit    string      `json:"commit"`
	FuncDefs  []FuncDef   `json:"func_defs"`
	Edges     []GraphEdge `json:"edges"`
	Chart     string      `json:"chart,omitempty"`
}

// WorkspaceUser is a Bitbucket workspace member, indexed by display name
// at "bitbucket_user:{display_name}" for auto-assign's display-name to
// UUID lookup.
type WorkspaceUser struct {
	UUID        string `json:"uuid"`
	DisplayName string `json:"display_name"`
}

func (u WorkspaceUser) Key() string {
	return fmt.Sprintf("bitbucket_user:%s", u.DisplayName)
}

// Webhook records a provider webhook registered by the install flow.
type Webhook struct {
	ID       string   `json:"id"`
	Provider Provider `json:"provider"`
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	Events   []string `json:"events"`
	URL      string   `json:"url"`
}

// Owner records the installation owner (workspace or org) for this
// install, keyed "owners:{uuid}".
type Owner struct {
	UUID     string   `json:"uuid"`
	Provider Provider `json:"provider"`
	Login    string   `json:"login"`
}
