package runner

import "context"

// Provider routes each step to a backend: uses: steps go to the action
// registry, Linux run: steps go to Docker when it is configured, and
// everything else runs on the host shell. Windows and macOS labels execute
// on the host too; their platform identity lives in the expression context,
// not in where the commands run.
type Provider struct {
	Local    *Local
	Docker   *Docker
	Registry *Registry
}

// NewProvider builds a provider around the host runner. docker may be nil.
func NewProvider(local *Local, docker *Docker) *Provider {
	return &Provider{
		Local:    local,
		Docker:   docker,
		Registry: NewRegistry(),
	}
}

// For picks the backend for a step.
func (p *Provider) For(spec StepSpec) Runner {
	if spec.Uses != "" {
		return p.Registry
	}
	if p.Docker != nil && spec.Platform == "Linux" {
		return p.Docker
	}
	return p.Local
}

// Run executes the step on the backend For selects.
func (p *Provider) Run(ctx context.Context, spec StepSpec) (StepResult, error) {
	return p.For(spec).Run(ctx, spec)
}
