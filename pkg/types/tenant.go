package types

// ProjectRef scopes a project to the connection it lives on and the
// pipelines/jobs a tenant grants it (spec §4.1 "Tenant").
type ProjectRef struct {
	Connection string `yaml:"connection"`
	Name       string `yaml:"name"`

	// IncludedPipelines restricts which of the tenant's pipelines this
	// project participates in; empty means all.
	IncludedPipelines []string `yaml:"pipelines,omitempty"`
}

// Tenant is the top-level multi-project scheduling boundary (spec §4.1):
// it names the projects, pipelines, and jobs visible to one another, and
// isolates them from every other tenant's coordination-store namespace.
type Tenant struct {
	Name      string       `yaml:"name"`
	Projects  []ProjectRef `yaml:"projects"`
	Pipelines []string     `yaml:"pipelines"` // names resolved against the tenant's own Pipeline definitions

	// MaxNodesPerProject bounds concurrent held nodes for noisy-neighbor
	// isolation (spec §5 "Node Request Service" resource fairness).
	MaxNodesPerProject int `yaml:"max-nodes-per-project,omitempty"`
}

// ProjectIncludes reports whether pipeline is enabled for the named
// project under this tenant.
func (t *Tenant) ProjectIncludes(project, pipeline string) bool {
	for _, p := range t.Projects {
		if p.Name != project {
			continue
		}
		if len(p.IncludedPipelines) == 0 {
			return true
		}
		for _, name := range p.IncludedPipelines {
			if name == pipeline {
				return true
			}
		}
		return false
	}
	return false
}
