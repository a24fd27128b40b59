package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"changequery/internal/access"
	"changequery/internal/label"
	"changequery/internal/store"
)

type LabelInput struct {
	Project      string
	Name         string
	Abbreviation string
	Min          int
	Max          int
	SortOrder    int
}

type GrantInput struct {
	Project string
	Label   string
	Role    string
	Min     int
	Max     int
}

type MemberInput struct {
	Project string
	Actor   string
	Role    string
	Active  bool
}

type ChangeInput struct {
	ID         string
	Project    string
	Branch     string
	Status     string
	Owner      string
	Subject    string
	CommitHash string
}

type RevisionInput struct {
	ChangeID   string
	CommitHash string
	Uploader   string
}

type adminStore interface {
	CreateProject(ctx context.Context, name string) error
	PutLabel(ctx context.Context, project string, d label.Definition, sortOrder int) error
	PutGrant(ctx context.Context, project string, g store.Grant) error
	PutMembership(ctx context.Context, m store.Membership) error
	CreateChange(ctx context.Context, c store.Change, first store.Revision) error
	AddRevision(ctx context.Context, r store.Revision) (int, error)
}

// PolicyInvalidator drops cached copies of a project's policy.
type PolicyInvalidator interface {
	Invalidate(ctx context.Context, project string) error
}

type adminIndexer interface {
	changeIndexer
	ReindexAllFromPG(ctx context.Context) (int, error)
}

// Admin maintains the projects, label policies, memberships and changes that
// queries and votes run against.
type Admin struct {
	store    adminStore
	policies PolicyInvalidator
	index    adminIndexer
	logger   *slog.Logger
}

// NewAdmin wires the admin surface. policies may be nil when no policy cache
// is in use.
func NewAdmin(st adminStore, policies PolicyInvalidator, index adminIndexer, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{store: st, policies: policies, index: index, logger: logger.With("component", "admin")}
}

func (a *Admin) CreateProject(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if err := requireFields("project", name); err != nil {
		return err
	}
	if err := a.store.CreateProject(ctx, name); err != nil {
		return classify(err)
	}
	a.logger.Info("project created", "project", name)
	return nil
}

// PutLabel creates or replaces a label definition. Votes are indexed under
// label abbreviations too, so the whole index is refreshed afterwards.
func (a *Admin) PutLabel(ctx context.Context, input LabelInput) (label.Definition, error) {
	project := strings.TrimSpace(input.Project)
	name := strings.TrimSpace(input.Name)
	if err := requireFields("project", project, "name", name); err != nil {
		return label.Definition{}, err
	}
	def := label.Definition{
		Name:         name,
		Abbreviation: strings.TrimSpace(input.Abbreviation),
		Range:        label.Range{Min: input.Min, Max: input.Max},
	}
	if def.Abbreviation == "" {
		def.Abbreviation = label.DefaultAbbreviation(name)
	}
	if err := checkRange(def.Range); err != nil {
		return label.Definition{}, err
	}

	if err := a.store.PutLabel(ctx, project, def, input.SortOrder); err != nil {
		return label.Definition{}, classify(err)
	}
	a.invalidate(ctx, project)
	if a.index != nil {
		if _, err := a.index.ReindexAllFromPG(ctx); err != nil {
			a.logger.Warn("reindex after label change", "project", project, "label", name, "err", err)
		}
	}
	a.logger.Info("label saved", "project", project, "label", def.Name, "range", def.Range.String())
	return def, nil
}

// PutGrant lets members holding input.Role vote within [Min, Max] on a label.
func (a *Admin) PutGrant(ctx context.Context, input GrantInput) (store.Grant, error) {
	project := strings.TrimSpace(input.Project)
	labelName := strings.TrimSpace(input.Label)
	if err := requireFields("project", project, "label", labelName, "role", input.Role); err != nil {
		return store.Grant{}, err
	}
	role, ok := access.ParseRole(strings.TrimSpace(input.Role))
	if !ok {
		return store.Grant{}, unknownRole(input.Role)
	}
	g := store.Grant{Permission: label.PermissionFor(labelName), Role: string(role), Min: input.Min, Max: input.Max}
	if err := checkRange(g.Range()); err != nil {
		return store.Grant{}, err
	}

	if err := a.store.PutGrant(ctx, project, g); err != nil {
		return store.Grant{}, classify(err)
	}
	a.invalidate(ctx, project)
	a.logger.Info("grant saved", "project", project, "permission", g.Permission, "role", g.Role, "range", g.Range().String())
	return g, nil
}

func (a *Admin) PutMember(ctx context.Context, input MemberInput) (store.Membership, error) {
	m := store.Membership{
		Project: strings.TrimSpace(input.Project),
		Actor:   strings.TrimSpace(input.Actor),
		Active:  input.Active,
	}
	if err := requireFields("project", m.Project, "actor", m.Actor, "role", input.Role); err != nil {
		return store.Membership{}, err
	}
	role, ok := access.ParseRole(strings.TrimSpace(input.Role))
	if !ok {
		return store.Membership{}, unknownRole(input.Role)
	}
	m.Role = string(role)

	if err := a.store.PutMembership(ctx, m); err != nil {
		return store.Membership{}, classify(err)
	}
	a.logger.Info("membership saved", "project", m.Project, "actor", m.Actor, "role", m.Role, "active", m.Active)
	return m, nil
}

// CreateChange stores a change with its first revision and indexes it.
func (a *Admin) CreateChange(ctx context.Context, input ChangeInput) (store.Change, error) {
	c := store.Change{
		ID:              strings.TrimSpace(input.ID),
		Project:         strings.TrimSpace(input.Project),
		Branch:          strings.TrimSpace(input.Branch),
		Status:          strings.ToUpper(strings.TrimSpace(input.Status)),
		Owner:           strings.TrimSpace(input.Owner),
		Subject:         strings.TrimSpace(input.Subject),
		CurrentRevision: 1,
	}
	if err := requireFields("id", c.ID, "project", c.Project, "branch", c.Branch, "owner", c.Owner, "commit", input.CommitHash); err != nil {
		return store.Change{}, err
	}
	switch c.Status {
	case "":
		c.Status = store.StatusNew
	case store.StatusNew, store.StatusMerged, store.StatusAbandoned:
	default:
		return store.Change{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status", map[string]any{"status": input.Status})
	}

	if err := a.store.CreateChange(ctx, c, store.Revision{ChangeID: c.ID, Number: 1, CommitHash: input.CommitHash, Uploader: c.Owner}); err != nil {
		return store.Change{}, classify(err)
	}
	a.reindex(ctx, c.ID)
	a.logger.Info("change created", "change", c.ID, "project", c.Project)
	return c, nil
}

// AddRevision makes a new revision current. Votes on earlier revisions stop
// counting, so the change is reindexed.
func (a *Admin) AddRevision(ctx context.Context, input RevisionInput) (int, error) {
	r := store.Revision{
		ChangeID:   strings.TrimSpace(input.ChangeID),
		CommitHash: strings.TrimSpace(input.CommitHash),
		Uploader:   strings.TrimSpace(input.Uploader),
	}
	if err := requireFields("change", r.ChangeID, "commit", r.CommitHash, "uploader", r.Uploader); err != nil {
		return 0, err
	}
	number, err := a.store.AddRevision(ctx, r)
	if err != nil {
		return 0, classify(err)
	}
	a.reindex(ctx, r.ChangeID)
	a.logger.Info("revision added", "change", r.ChangeID, "revision", number)
	return number, nil
}

func (a *Admin) invalidate(ctx context.Context, project string) {
	if a.policies == nil {
		return
	}
	if err := a.policies.Invalidate(ctx, project); err != nil {
		a.logger.Warn("policy cache invalidation failed", "project", project, "err", err)
	}
}

func (a *Admin) reindex(ctx context.Context, changeID string) {
	if a.index == nil {
		return
	}
	if err := a.index.Reindex(ctx, changeID); err != nil {
		a.logger.Warn("reindex change", "change", changeID, "err", err)
	}
}

// requireFields takes name/value pairs and reports the first blank value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", pairs[i]+" is required", map[string]any{"field": pairs[i]})
		}
	}
	return nil
}

func checkRange(r label.Range) error {
	if r.Min > r.Max {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "min must not exceed max", map[string]any{"range": r.String()})
	}
	return nil
}

func unknownRole(role string) error {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown role", map[string]any{"role": role})
}
