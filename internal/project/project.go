// Package project materializes the configured projects and answers
// the list, status, and validate operations behind `qloader project`.
// A project groups an ordered set of sources feeding one collection;
// when projects share a collection, the project id carried in every
// payload keeps their points apart.
package project

import (
	"sort"

	"github.com/fyrsmithlabs/qloader/internal/config"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

// Project is one configured grouping of sources.
type Project struct {
	ID             string
	DisplayName    string
	Description    string
	CollectionName string
	Sources        config.Sources
}

// FromConfig builds the project list in id order. Config validation
// already enforces the id grammar; a violation here means the caller
// skipped it.
func FromConfig(cfg *config.Config) ([]*Project, error) {
	if cfg == nil {
		return nil, errkind.New(errkind.Config, "project: config is nil")
	}

	ids := make([]string, 0, len(cfg.Projects))
	for id := range cfg.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	projects := make([]*Project, 0, len(ids))
	for _, id := range ids {
		if !config.ValidProjectID(id) {
			return nil, errkind.New(errkind.Config, "project: invalid project id %q", id)
		}
		pc := cfg.Projects[id]
		display := pc.DisplayName
		if display == "" {
			display = id
		}
		projects = append(projects, &Project{
			ID:             id,
			DisplayName:    display,
			Description:    pc.Description,
			CollectionName: cfg.Global.Qdrant.CollectionName,
			Sources:        pc.Sources,
		})
	}
	return projects, nil
}

// Find returns the project with the given id.
func Find(projects []*Project, id string) (*Project, error) {
	for _, p := range projects {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, errkind.New(errkind.NotFound, "project %q is not configured", id)
}

// Scoped returns a copy of the project narrowed to the sources the
// ingest flags selected. Empty selectors keep everything. A selection
// matching nothing is a config error, so a typoed flag cannot
// silently ingest zero documents.
func (p *Project) Scoped(sourceType, sourceName string) (*Project, error) {
	if sourceType == "" && sourceName == "" {
		return p, nil
	}
	if sourceType != "" {
		switch sourceType {
		case config.SourceTypeLocalFile, config.SourceTypeGit, config.SourceTypeConfluence,
			config.SourceTypeJira, config.SourceTypePublicDocs:
		default:
			return nil, errkind.New(errkind.Config, "project %s: unknown source type %q", p.ID, sourceType)
		}
	}

	keep := func(t string) bool { return sourceType == "" || sourceType == t }
	out := *p
	out.Sources = config.Sources{}
	if keep(config.SourceTypeLocalFile) {
		out.Sources.LocalFile = filterNames(p.Sources.LocalFile, sourceName)
	}
	if keep(config.SourceTypeGit) {
		out.Sources.Git = filterNames(p.Sources.Git, sourceName)
	}
	if keep(config.SourceTypeConfluence) {
		out.Sources.Confluence = filterNames(p.Sources.Confluence, sourceName)
	}
	if keep(config.SourceTypeJira) {
		out.Sources.Jira = filterNames(p.Sources.Jira, sourceName)
	}
	if keep(config.SourceTypePublicDocs) {
		out.Sources.PublicDocs = filterNames(p.Sources.PublicDocs, sourceName)
	}

	if out.Sources.Count() == 0 {
		return nil, errkind.New(errkind.Config, "project %s: no configured source matches type=%q name=%q",
			p.ID, sourceType, sourceName)
	}
	return &out, nil
}

func filterNames[V any](m map[string]V, name string) map[string]V {
	if len(m) == 0 {
		return nil
	}
	if name == "" {
		return m
	}
	v, ok := m[name]
	if !ok {
		return nil
	}
	return map[string]V{name: v}
}

// WatchRoots lists the directories watch mode observes for this
// project. Only localfile sources have a filesystem to watch; a
// change re-runs the whole project, remote sources included.
func (p *Project) WatchRoots() []string {
	roots := make([]string, 0, len(p.Sources.LocalFile))
	for _, src := range p.Sources.LocalFile {
		roots = append(roots, src.BasePath)
	}
	sort.Strings(roots)
	return roots
}
