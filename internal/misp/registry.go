package misp

import (
	"sort"
	"sync"

	"mispbridge/internal/config"
	"mispbridge/pkg/logger"
)

// Instance is one configured MISP server with its resolved sync settings.
// Instances are built at startup and immutable thereafter.
type Instance struct {
	Name         string
	CaseTemplate string
	ArtifactTags []string
	Client       *Client
}

// SourceTag is the tag marking which instance an observable came from.
func (i *Instance) SourceTag() string {
	return "src:" + i.Name
}

// Registry holds the set of configured MISP instances.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	logger    *logger.Logger
}

// NewRegistry builds the instance set from configuration. Per-instance tags
// and case template inherit the global misp settings when unset.
func NewRegistry(cfg config.MISPConfig, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		instances: make(map[string]*Instance),
		logger:    log.WithComponent("misp-registry"),
	}

	for name, instCfg := range cfg.Instances {
		client, err := NewClient(name, instCfg, log)
		if err != nil {
			return nil, err
		}

		tags := instCfg.Tags
		if tags == nil {
			tags = cfg.Tags
		}
		caseTemplate := instCfg.CaseTemplate
		if caseTemplate == "" {
			caseTemplate = cfg.CaseTemplate
		}

		r.instances[name] = &Instance{
			Name:         name,
			CaseTemplate: caseTemplate,
			ArtifactTags: tags,
			Client:       client,
		}

		r.logger.Info().
			Str("instance", name).
			Str("url", instCfg.URL).
			Strs("tags", tags).
			Msg("registered MISP instance")
	}

	return r, nil
}

// Register adds an instance directly. Used by tests and ad-hoc wiring.
func (r *Registry) Register(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.Name] = inst
}

// Get returns the instance with the given name or a ConfigError.
func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[name]
	if !ok {
		return nil, &ConfigError{Instance: name}
	}
	return inst, nil
}

// List returns all instances in stable name order.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	insts := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].Name < insts[j].Name })
	return insts
}

// Count returns the number of configured instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
