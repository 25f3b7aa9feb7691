package enzyme

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"
)

// OrchestratedRequest is one node of a dependency graph run by Orchestrate.
// Exactly one of Execute and Request should be set; a static Request
// contributes its decoded response body as the node's result.
type OrchestratedRequest struct {
	ID        string
	Execute   func(ctx context.Context, results map[string]any) (any, error)
	Request   *Request
	DependsOn []string
	// Transform rewrites the node's output before it is recorded.
	Transform func(out any, results map[string]any) (any, error)
	// Condition skips the node when it returns false.
	Condition func(results map[string]any) bool
	// OnError may recover a failure with a substitute result.
	OnError func(err error, results map[string]any) (any, error)
	// Priority orders the start of nodes within a level, highest first.
	Priority int
}

// OrchestrationResult holds the outcome of every node that ran.
type OrchestrationResult struct {
	Results map[string]any
	Errors  map[string]error
	Skipped []string
	Levels  [][]string
}

// NodeError is the unrecovered failure of one node.
type NodeError struct {
	ID  string
	Err error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("request %q: %v", e.ID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// DependencyLevels groups nodes into levels whose dependencies all lie in
// earlier levels. Within a level nodes are ordered by descending priority,
// then input order. A cycle or an unknown dependency is reported before
// anything runs.
func DependencyLevels(nodes []OrchestratedRequest) ([][]string, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: orchestrated request %d has no id", ErrInvalidConfiguration, i)
		}
		if _, dup := index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate orchestrated request id %q", ErrInvalidConfiguration, n.ID)
		}
		index[n.ID] = i
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] += 0
		for _, dep := range n.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, n.ID, dep)
			}
			inDegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var levels [][]string
	remaining := len(nodes)
	for remaining > 0 {
		var level []string
		for _, n := range nodes {
			if d, ok := inDegree[n.ID]; ok && d == 0 {
				level = append(level, n.ID)
			}
		}
		if len(level) == 0 {
			stuck := make([]string, 0, len(inDegree))
			for _, n := range nodes {
				if _, ok := inDegree[n.ID]; ok {
					stuck = append(stuck, n.ID)
				}
			}
			return nil, fmt.Errorf("%w among %v", ErrCircularDependency, stuck)
		}

		slices.SortStableFunc(level, func(a, b string) int {
			return cmp.Compare(nodes[index[b]].Priority, nodes[index[a]].Priority)
		})
		for _, id := range level {
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
			}
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels, nil
}

// Orchestrate runs nodes level by level. Every node of a level starts, in
// priority order, before the level is awaited; a level's results are
// recorded before the next level starts. Callbacks see a snapshot of the
// results so far. An unrecovered failure stops after its level completes.
func (o *Orchestrator) Orchestrate(ctx context.Context, nodes []OrchestratedRequest) (*OrchestrationResult, error) {
	levels, err := DependencyLevels(nodes)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*OrchestratedRequest, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	res := &OrchestrationResult{
		Results: make(map[string]any, len(nodes)),
		Errors:  make(map[string]error),
		Levels:  levels,
	}

	for _, level := range levels {
		if err := context.Cause(ctx); err != nil {
			return res, err
		}

		snapshot := maps.Clone(res.Results)
		type outcome struct {
			id      string
			val     any
			err     error
			skipped bool
		}
		outcomes := make([]outcome, len(level))

		var g errgroup.Group
		if o.levelLimit > 0 {
			g.SetLimit(o.levelLimit)
		}
		for i, id := range level {
			i, id := i, id
			node := byID[id]
			if node.Condition != nil && !node.Condition(maps.Clone(snapshot)) {
				outcomes[i] = outcome{id: id, skipped: true}
				continue
			}
			g.Go(func() error {
				v, err := o.runNode(ctx, node, snapshot)
				outcomes[i] = outcome{id: id, val: v, err: err}
				return nil
			})
		}
		_ = g.Wait()

		var errs []error
		for _, out := range outcomes {
			switch {
			case out.skipped:
				res.Skipped = append(res.Skipped, out.id)
			case out.err != nil:
				res.Errors[out.id] = out.err
				errs = append(errs, &NodeError{ID: out.id, Err: out.err})
			default:
				res.Results[out.id] = out.val
			}
		}
		if len(errs) > 0 {
			return res, errors.Join(errs...)
		}
	}
	return res, nil
}

func (o *Orchestrator) runNode(ctx context.Context, node *OrchestratedRequest, snapshot map[string]any) (any, error) {
	v, err := o.execNode(ctx, node, maps.Clone(snapshot))
	if err == nil && node.Transform != nil {
		v, err = node.Transform(v, maps.Clone(snapshot))
	}
	if err != nil && node.OnError != nil {
		return node.OnError(err, maps.Clone(snapshot))
	}
	return v, err
}

func (o *Orchestrator) execNode(ctx context.Context, node *OrchestratedRequest, results map[string]any) (any, error) {
	switch {
	case node.Execute != nil:
		return node.Execute(ctx, results)
	case node.Request != nil:
		if o.client == nil {
			return nil, fmt.Errorf("%w: request %q needs a client", ErrInvalidConfiguration, node.ID)
		}
		resp, err := o.client.Do(ctx, node.Request)
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	default:
		return nil, fmt.Errorf("%w: request %q has neither Execute nor Request", ErrInvalidConfiguration, node.ID)
	}
}
