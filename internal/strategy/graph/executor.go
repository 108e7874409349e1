package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/strategy/block"
)

// ProgressFunc is called after every block. Returning an error aborts the run.
type ProgressFunc func(percent float64, message string) error

// Result is the outcome of one graph execution
type Result struct {
	Context  *block.Context
	Outputs  map[string]block.Output
	Order    []string
	Warnings []string
}

// Failed lists the ids of failed nodes in execution order
func (r *Result) Failed() []string {
	var out []string
	for _, id := range r.Order {
		if o, ok := r.Outputs[id]; ok && o.Failed() {
			out = append(out, id)
		}
	}
	return out
}

// Executor runs validated graphs against a block registry
type Executor struct {
	registry *block.Registry
	deps     block.Deps
	log      logger.Logger
	perf     *logger.PerformanceLogger
	onFail   func(blockType string)
}

// NewExecutor creates an executor. deps are handed to every block constructor.
func NewExecutor(registry *block.Registry, deps block.Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = logger.GetGlobalLogger()
	}
	return &Executor{
		registry: registry,
		deps:     deps,
		log:      deps.Logger,
		perf:     logger.NewPerformanceLogger(deps.Logger, 2*time.Second),
	}
}

// OnBlockFailure installs a hook called with the block type of every failed node
func (e *Executor) OnBlockFailure(fn func(blockType string)) {
	e.onFail = fn
}

// Registry returns the block registry
func (e *Executor) Registry() *block.Registry {
	return e.registry
}

// Build validates g and constructs every block. Configuration errors surface
// here before anything executes.
func (e *Executor) Build(g *Graph) ([]string, map[string]block.Block, error) {
	order, err := g.Validate()
	if err != nil {
		return nil, nil, err
	}
	blocks := make(map[string]block.Block, len(g.Nodes))
	for _, n := range g.Nodes {
		b, err := e.registry.Build(n.Type, n.Params, e.deps)
		if err != nil {
			if appErr := apperrors.GetAppError(err); appErr != nil {
				return nil, nil, appErr.WithContext("node", n.ID)
			}
			return nil, nil, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid,
				fmt.Sprintf("node %q: %v", n.ID, err), err)
		}
		blocks[n.ID] = b
	}
	return order, blocks, nil
}

// Run executes g for the given run scope. When output nodes fail the
// partial result is returned alongside an OUTPUT_FAILED error.
func (e *Executor) Run(ctx context.Context, g *Graph, scope block.RunScope, progress ProgressFunc) (*Result, error) {
	order, blocks, err := e.Build(g)
	if err != nil {
		return nil, err
	}

	log := e.log.WithContext(ctx)
	root := block.NewContext(scope)
	res := &Result{Outputs: make(map[string]block.Output, len(order)), Order: order}

	for i, id := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		node, _ := g.Node(id)

		out := e.runNode(ctx, node, blocks[id], root, res)
		res.Outputs[id] = out
		for _, w := range out.Warnings {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", id, w))
		}
		if out.Failed() {
			log.Warn("Block failed", "node", id, "type", node.Type, "error", out.Err.Error())
			if e.onFail != nil {
				e.onFail(node.Type)
			}
		}

		if progress != nil {
			pct := float64(i+1) / float64(len(order)) * 100
			if err := progress(pct, fmt.Sprintf("executed %s (%s)", id, node.Type)); err != nil {
				return res, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	var failed []string
	var finals []*block.Context
	for _, id := range g.Outputs {
		out := res.Outputs[id]
		if out.Failed() {
			failed = append(failed, fmt.Sprintf("%s: %v", id, out.Err))
			continue
		}
		finals = append(finals, out.Context)
	}
	if len(failed) > 0 {
		return res, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeOutputFailed,
			fmt.Sprintf("output node(s) failed: %s", strings.Join(failed, "; ")),
			strings.Join(res.Failed(), ","), nil)
	}

	final, warnings := block.Merge(finals)
	for _, w := range warnings {
		res.Warnings = append(res.Warnings, "outputs: "+w)
	}
	res.Context = final
	return res, nil
}

// runNode merges upstream contexts and executes one block, converting panics
// into block failures.
func (e *Executor) runNode(ctx context.Context, node NodeSpec, b block.Block, root *block.Context, res *Result) (out block.Output) {
	upstream := make([]block.Output, 0, len(node.Inputs))
	inputs := make([]*block.Context, 0, len(node.Inputs))
	for _, in := range node.Inputs {
		up := res.Outputs[in]
		if up.Failed() {
			return block.Failure(root, apperrors.Newf(apperrors.ErrCodeBlockExecution, "upstream %q failed", in))
		}
		upstream = append(upstream, up)
		inputs = append(inputs, up.Context)
	}

	in := root
	var mergeWarnings []string
	if len(inputs) > 0 {
		in, mergeWarnings = block.Merge(inputs)
	}

	defer e.perf.Track("block "+node.ID, map[string]interface{}{"node": node.ID, "type": node.Type})()
	defer func() {
		if r := recover(); r != nil {
			out = block.Failure(in, apperrors.Newf(apperrors.ErrCodeBlockExecution, "%s: panic: %v", node.Type, r))
		}
	}()

	out = b.Execute(ctx, in, upstream)
	if out.Context == nil {
		out.Context = in
	}
	out.Warnings = append(mergeWarnings, out.Warnings...)
	return out
}
