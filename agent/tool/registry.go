package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/shop"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

// Handler runs one action. Returned values are JSON encoded into the ActionResult payload.
type Handler func(ctx context.Context, call Call) (any, error)

type Call struct {
	UserID    string
	Arguments map[string]any
}

type Param struct {
	Name     string
	Type     schema.DataType
	Desc     string
	Required bool
}

type Action struct {
	Name                 string
	Desc                 string
	Params               []Param
	RequiresConfirmation bool
	Handler              Handler
}

// FunctionSpec is a provider-neutral function definition with a JSON schema for its parameters.
type FunctionSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Registry is the closed set of actions the assistant may propose.
type Registry struct {
	actions map[string]Action
	order   []string
}

var _ contractx.ToolGateway = (*Registry)(nil)

func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a Action) error {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return fmt.Errorf("%w: action name is required", contractx.ErrValidation)
	}
	if a.Handler == nil {
		return fmt.Errorf("%w: action %s has no handler", contractx.ErrValidation, name)
	}
	if _, dup := r.actions[name]; dup {
		return fmt.Errorf("%w: action %s registered twice", contractx.ErrValidation, name)
	}
	a.Name = name
	r.actions[name] = a
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Names() []string {
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

func (r *Registry) Classify(name string) contractx.ActionClass {
	a, ok := r.actions[name]
	switch {
	case !ok:
		return contractx.ActionUnknown
	case a.RequiresConfirmation:
		return contractx.ActionConfirmRequired
	default:
		return contractx.ActionAutoExecute
	}
}

// Execute never fails: handler errors and panics come back as a failed ActionResult.
func (r *Registry) Execute(ctx context.Context, userID string, proposed statex.ProposedAction) (res statex.ActionResult) {
	res = statex.ActionResult{CorrelationID: proposed.CorrelationID, ActionName: proposed.ActionName}

	a, ok := r.actions[proposed.ActionName]
	if !ok {
		res.Failure = &statex.Failure{
			Kind:   statex.FailureUnknownAction,
			Detail: fmt.Sprintf("action %q is not available", proposed.ActionName),
		}
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("action", proposed.ActionName).
				Str("correlation_id", proposed.CorrelationID).
				Interface("panic", p).
				Msg("action handler panicked")
			res.Payload = nil
			res.Failure = &statex.Failure{Kind: statex.FailureUnknown, Detail: "the action failed unexpectedly"}
		}
	}()

	if a.RequiresConfirmation {
		ctx = context.WithoutCancel(ctx)
	}

	out, err := a.Handler(ctx, Call{UserID: userID, Arguments: proposed.Arguments})
	if err != nil {
		res.Failure = classifyFailure(proposed, err)
		return res
	}

	raw, err := json.Marshal(out)
	if err != nil {
		res.Failure = classifyFailure(proposed, err)
		return res
	}
	res.Payload = raw
	return res
}

func classifyFailure(proposed statex.ProposedAction, err error) *statex.Failure {
	switch {
	case errors.Is(err, contractx.ErrValidation), errors.Is(err, shop.ErrInvalidArgument):
		return &statex.Failure{Kind: statex.FailureValidation, Detail: err.Error()}
	case errors.Is(err, shop.ErrProductNotFound), errors.Is(err, shop.ErrCartEntryNotFound):
		return &statex.Failure{Kind: statex.FailureNotFound, Detail: err.Error()}
	case errors.Is(err, shop.ErrInsufficientStock):
		return &statex.Failure{Kind: statex.FailureInsufficientStock, Detail: err.Error()}
	}

	log.Error().
		Err(err).
		Str("action", proposed.ActionName).
		Str("correlation_id", proposed.CorrelationID).
		Msg("action handler failed")
	return &statex.Failure{Kind: statex.FailureUnknown, Detail: "the action failed unexpectedly"}
}

// Tools returns eino tool definitions in registration order.
func (r *Registry) Tools() []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		a := r.actions[name]
		params := make(map[string]*schema.ParameterInfo, len(a.Params))
		for _, p := range a.Params {
			params[p.Name] = &schema.ParameterInfo{Type: p.Type, Desc: p.Desc, Required: p.Required}
		}
		infos = append(infos, &schema.ToolInfo{
			Name:        a.Name,
			Desc:        a.Desc,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}

// FunctionDefinitions returns the same actions as plain JSON schema objects.
func (r *Registry) FunctionDefinitions() []FunctionSpec {
	specs := make([]FunctionSpec, 0, len(r.order))
	for _, name := range r.order {
		a := r.actions[name]
		props := make(map[string]any, len(a.Params))
		required := make([]string, 0)
		for _, p := range a.Params {
			props[p.Name] = map[string]any{"type": string(p.Type), "description": p.Desc}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		specs = append(specs, FunctionSpec{
			Name:        a.Name,
			Description: a.Desc,
			Parameters: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		})
	}
	return specs
}
