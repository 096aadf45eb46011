package domain

import "time"

// Deployment records one deployment of a named artifact version to an environment.
type Deployment struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeploymentInput captures the attributes required to create a deployment.
// The nonul rule rejects NUL characters, which PostgreSQL text columns cannot store.
type DeploymentInput struct {
	Name        string `json:"name" validate:"required,max=100,nonul"`
	Version     string `json:"version" validate:"required,max=50,nonul"`
	Environment string `json:"environment" validate:"required,max=50,nonul"`
}

// DeploymentPatch carries the subset of mutable fields an update should change.
// A nil field is left untouched.
type DeploymentPatch struct {
	Name        *string `json:"name,omitempty" validate:"omitnil,min=1,max=100,nonul"`
	Version     *string `json:"version,omitempty" validate:"omitnil,min=1,max=50,nonul"`
	Environment *string `json:"environment,omitempty" validate:"omitnil,min=1,max=50,nonul"`
}

// IsEmpty reports whether the patch sets no field.
func (p DeploymentPatch) IsEmpty() bool {
	return p.Name == nil && p.Version == nil && p.Environment == nil
}

// Apply overwrites the fields present in the patch and reports whether any value changed.
func (p DeploymentPatch) Apply(d *Deployment) bool {
	changed := false
	if p.Name != nil && *p.Name != d.Name {
		d.Name = *p.Name
		changed = true
	}
	if p.Version != nil && *p.Version != d.Version {
		d.Version = *p.Version
		changed = true
	}
	if p.Environment != nil && *p.Environment != d.Environment {
		d.Environment = *p.Environment
		changed = true
	}
	return changed
}

// Fields lists the names of the fields the patch sets, in declaration order.
func (p DeploymentPatch) Fields() []string {
	fields := make([]string, 0, 3)
	if p.Name != nil {
		fields = append(fields, "name")
	}
	if p.Version != nil {
		fields = append(fields, "version")
	}
	if p.Environment != nil {
		fields = append(fields, "environment")
	}
	return fields
}

// DeploymentFilter narrows a listing; zero values match everything.
type DeploymentFilter struct {
	Name        string
	Environment string
}

// Matches reports whether d satisfies the filter.
func (f DeploymentFilter) Matches(d Deployment) bool {
	if f.Name != "" && d.Name != f.Name {
		return false
	}
	if f.Environment != "" && d.Environment != f.Environment {
		return false
	}
	return true
}

// DeploymentEvent describes a committed change to a deployment.
type DeploymentEvent struct {
	Type       string     `json:"type"`
	Deployment Deployment `json:"deployment"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Event types published after successful mutations.
const (
	EventDeploymentCreated = "deployment.created"
	EventDeploymentUpdated = "deployment.updated"
	EventDeploymentDeleted = "deployment.deleted"
)
