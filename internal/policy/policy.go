// Package policy gates requests with OPA: which API keys may use
// which provider types and models.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
)

// evalTimeout bounds one policy evaluation.
const evalTimeout = 100 * time.Millisecond

// Input is the data sent to OPA for evaluation.
type Input struct {
	Key     KeyInput     `json:"key"`
	Request RequestInput `json:"request"`
	Time    TimeInput    `json:"time"`
}

type KeyInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RequestInput struct {
	Protocol string `json:"protocol"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
}

type TimeInput struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluator compiles and evaluates the access policy. A nil
// *Evaluator allows everything, so wiring it is optional.
type Evaluator struct {
	logger *slog.Logger

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Load compiles all .rego files in dir. An empty directory leaves the
// evaluator unloaded, which fails closed on Evaluate.
func (e *Evaluator) Load(dir string) error {
	modules, err := LoadRegoFiles(dir)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		e.logger.Warn("no rego files found", "path", dir)
		return nil
	}
	return e.LoadFromModules(modules)
}

// LoadFromModules compiles policies from in-memory sources.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	opts := []func(*rego.Rego){
		rego.Query("[data.manifold.access.allow, data.manifold.access.reason]"),
	}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()

	e.logger.Info("access policies loaded", "modules", len(modules))
	return nil
}

// Evaluate runs the policy for one request. A nil evaluator allows; a
// loaded-but-failing evaluation denies.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) Decision {
	if e == nil {
		return Decision{Allowed: true}
	}
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()
	if prepared == nil {
		return Decision{Allowed: true}
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		e.logger.Error("policy evaluation failed", "error", err)
		return Decision{Allowed: false, Reason: "policy evaluation failed"}
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allowed: false, Reason: "no policy result"}
	}

	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{Allowed: false, Reason: "unexpected policy result format"}
	}
	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)
	return Decision{Allowed: allowed, Reason: reason}
}

// EvalInput builds the time fields for a request evaluated now.
func EvalInput(keyID, keyName, protocol, provider, model string, stream bool) Input {
	now := time.Now().UTC()
	return Input{
		Key:     KeyInput{ID: keyID, Name: keyName},
		Request: RequestInput{Protocol: protocol, Provider: provider, Model: model, Stream: stream},
		Time:    TimeInput{Hour: now.Hour(), Day: now.Weekday().String()},
	}
}
