package conversation

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"dbconsole-agent/internal/domain"
)

//go:embed workflows/*.yaml workflows/*.toml
var embedded embed.FS

var ErrUnknownWorkflow = errors.New("conversation: unknown workflow")

// workflowFile is the on-disk shape of a workflow definition. YAML and TOML
// share the same field names.
type workflowFile struct {
	ID          string       `yaml:"id" toml:"id"`
	Title       string       `yaml:"title" toml:"title"`
	MultiSelect bool         `yaml:"multiSelect" toml:"multiSelect"`
	Options     []optionFile `yaml:"options" toml:"options"`
	Steps       []stepFile   `yaml:"steps" toml:"steps"`
	Script      []scriptFile `yaml:"script" toml:"script"`
}

type optionFile struct {
	ID          string `yaml:"id" toml:"id"`
	Title       string `yaml:"title" toml:"title"`
	Description string `yaml:"description" toml:"description"`
}

type stepFile struct {
	ID     string `yaml:"id" toml:"id"`
	Title  string `yaml:"title" toml:"title"`
	Status string `yaml:"status" toml:"status"`
}

type promptFile struct {
	ID   string `yaml:"id" toml:"id"`
	Text string `yaml:"text" toml:"text"`
}

type componentFile struct {
	Type  string         `yaml:"type" toml:"type"`
	Props map[string]any `yaml:"props" toml:"props"`
}

type confirmFile struct {
	Label   string         `yaml:"label" toml:"label"`
	Variant string         `yaml:"variant" toml:"variant"`
	Action  string         `yaml:"action" toml:"action"`
	Params  map[string]any `yaml:"params" toml:"params"`
}

type responseFile struct {
	Role                 string         `yaml:"role" toml:"role"`
	Content              string         `yaml:"content" toml:"content"`
	StepCompleted        string         `yaml:"stepCompleted" toml:"stepCompleted"`
	Actions              []promptFile   `yaml:"actions" toml:"actions"`
	Component            *componentFile `yaml:"component" toml:"component"`
	RequiresConfirmation bool           `yaml:"requiresConfirmation" toml:"requiresConfirmation"`
	ConfirmAction        *confirmFile   `yaml:"confirmAction" toml:"confirmAction"`
}

type updateFile struct {
	StepID string `yaml:"stepId" toml:"stepId"`
	Status string `yaml:"status" toml:"status"`
}

type resourceFile struct {
	ID       string            `yaml:"id" toml:"id"`
	Name     string            `yaml:"name" toml:"name"`
	Type     string            `yaml:"type" toml:"type"`
	Region   string            `yaml:"region" toml:"region"`
	Status   string            `yaml:"status" toml:"status"`
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Details  map[string]string `yaml:"details" toml:"details"`
}

type scriptFile struct {
	Trigger          string        `yaml:"trigger" toml:"trigger"`
	Value            string        `yaml:"value" toml:"value"`
	DelayMs          int           `yaml:"delay_ms" toml:"delay_ms"`
	Response         responseFile  `yaml:"response" toml:"response"`
	NextPrompts      *[]promptFile `yaml:"nextPrompts" toml:"nextPrompts"`
	UpdateStep       *updateFile   `yaml:"updateStep" toml:"updateStep"`
	CreateResource   *resourceFile `yaml:"createResource" toml:"createResource"`
	TransitionToView string        `yaml:"transitionToView" toml:"transitionToView"`
}

// Registry holds validated workflows by id.
type Registry struct {
	byID map[string]domain.Workflow
	ids  []string
}

// DefaultRegistry returns the workflows compiled into the binary.
func DefaultRegistry() (*Registry, error) {
	sub, err := fs.Sub(embedded, "workflows")
	if err != nil {
		return nil, fmt.Errorf("conversation: embedded workflows: %w", err)
	}
	return LoadRegistry(sub)
}

// LoadRegistry reads every .yaml, .yml and .toml file at the root of fsys.
func LoadRegistry(fsys fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("conversation: read workflows: %w", err)
	}
	r := &Registry{byID: make(map[string]domain.Workflow)}
	for _, e := range entries {
		if e.IsDir() || !isWorkflowFile(e.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("conversation: read %s: %w", e.Name(), err)
		}
		wf, err := ParseWorkflow(e.Name(), data)
		if err != nil {
			return nil, err
		}
		if err := r.add(wf); err != nil {
			return nil, fmt.Errorf("conversation: %s: %w", e.Name(), err)
		}
	}
	sort.Strings(r.ids)
	return r, nil
}

// NewRegistry builds a registry from already constructed workflows.
func NewRegistry(workflows ...domain.Workflow) (*Registry, error) {
	r := &Registry{byID: make(map[string]domain.Workflow, len(workflows))}
	for _, wf := range workflows {
		if err := r.add(wf); err != nil {
			return nil, err
		}
	}
	sort.Strings(r.ids)
	return r, nil
}

func (r *Registry) add(wf domain.Workflow) error {
	if err := validateWorkflow(wf); err != nil {
		return err
	}
	if _, err := NewScript(wf.Script); err != nil {
		return fmt.Errorf("workflow %q: %w", wf.ID, err)
	}
	if _, dup := r.byID[wf.ID]; dup {
		return fmt.Errorf("duplicate workflow %q", wf.ID)
	}
	r.byID[wf.ID] = wf
	r.ids = append(r.ids, wf.ID)
	return nil
}

func (r *Registry) Get(id string) (domain.Workflow, error) {
	wf, ok := r.byID[id]
	if !ok {
		return domain.Workflow{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, id)
	}
	return wf, nil
}

// List returns the workflows ordered by id.
func (r *Registry) List() []domain.Workflow {
	out := make([]domain.Workflow, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}

func isWorkflowFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

// ParseWorkflow decodes a workflow definition. The format is chosen from the
// file extension of name.
func ParseWorkflow(name string, data []byte) (domain.Workflow, error) {
	var f workflowFile
	var err error
	switch strings.ToLower(path.Ext(name)) {
	case ".toml":
		err = toml.Unmarshal(data, &f)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		return domain.Workflow{}, fmt.Errorf("conversation: %s: unsupported workflow format", name)
	}
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("conversation: decode %s: %w", name, err)
	}
	wf, err := f.toDomain()
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("conversation: %s: %w", name, err)
	}
	return wf, nil
}

func (f workflowFile) toDomain() (domain.Workflow, error) {
	wf := domain.Workflow{
		ID:          strings.TrimSpace(f.ID),
		Title:       f.Title,
		MultiSelect: f.MultiSelect,
	}
	for _, o := range f.Options {
		wf.Options = append(wf.Options, domain.Option{ID: o.ID, Title: o.Title, Description: o.Description})
	}
	for _, s := range f.Steps {
		wf.Steps = append(wf.Steps, domain.Step{ID: s.ID, Title: s.Title, Status: domain.StepStatus(s.Status)})
	}
	for i, sf := range f.Script {
		st, err := sf.toDomain()
		if err != nil {
			return domain.Workflow{}, fmt.Errorf("script step %d: %w", i, err)
		}
		wf.Script = append(wf.Script, st)
	}
	return wf, nil
}

func (sf scriptFile) toDomain() (domain.ScriptStep, error) {
	if sf.DelayMs < 0 {
		return domain.ScriptStep{}, errors.New("delay_ms must not be negative")
	}
	resp, err := sf.Response.toDomain()
	if err != nil {
		return domain.ScriptStep{}, err
	}
	st := domain.ScriptStep{
		Trigger:          domain.Trigger(sf.Trigger),
		TriggerValue:     sf.Value,
		AgentResponse:    resp,
		TransitionToView: domain.View(sf.TransitionToView),
		Delay:            time.Duration(sf.DelayMs) * time.Millisecond,
	}
	if sf.NextPrompts != nil {
		st.NextPrompts = toPrompts(*sf.NextPrompts)
		if st.NextPrompts == nil {
			st.NextPrompts = []domain.SuggestedAction{}
		}
	}
	if sf.UpdateStep != nil {
		st.UpdateStep = &domain.StepUpdate{StepID: sf.UpdateStep.StepID, Status: domain.StepStatus(sf.UpdateStep.Status)}
	}
	if r := sf.CreateResource; r != nil {
		st.CreateResource = &domain.ResourceInfo{
			ID:       r.ID,
			Name:     r.Name,
			Type:     r.Type,
			Region:   r.Region,
			Status:   domain.ResourceStatus(r.Status),
			Endpoint: r.Endpoint,
			Details:  r.Details,
		}
	}
	return st, nil
}

func (rf responseFile) toDomain() (domain.AgentTurn, error) {
	t := domain.AgentTurn{
		Role:                 domain.Role(rf.Role),
		Content:              rf.Content,
		StepCompleted:        rf.StepCompleted,
		Actions:              toPrompts(rf.Actions),
		RequiresConfirmation: rf.RequiresConfirmation,
	}
	if c := rf.Component; c != nil {
		props, err := rawJSON(c.Props)
		if err != nil {
			return domain.AgentTurn{}, fmt.Errorf("component props: %w", err)
		}
		t.Directive = &domain.UiDirective{Kind: c.Type, Attributes: props}
	}
	if c := rf.ConfirmAction; c != nil {
		params, err := rawJSON(c.Params)
		if err != nil {
			return domain.AgentTurn{}, fmt.Errorf("confirm params: %w", err)
		}
		t.ConfirmAction = &domain.ConfirmAction{Label: c.Label, Variant: c.Variant, Action: c.Action, Params: params}
	}
	return t, nil
}

func toPrompts(in []promptFile) []domain.SuggestedAction {
	var out []domain.SuggestedAction
	for _, p := range in {
		out = append(out, domain.SuggestedAction{ID: p.ID, Label: p.Text})
	}
	return out
}

func rawJSON(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
