// Package rules evaluates the store's access rules.
//
// Rules are written in CUE (see rules.cue) and compiled once at startup.
// Each store operation is encoded as a closed request document and unified
// with the candidate rules for its collection and operation; the operation
// is allowed if any rule unifies cleanly. Closing the request is what makes
// unification behave as a check rather than a fill: a rule that demands a
// field the record does not carry produces a conflict instead of inventing
// the field.
package rules

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed rules.cue
var defaultSource string

// Op identifies the operation class a rule gates.
type Op string

const (
	OpGet    Op = "get"
	OpList   Op = "list"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Request describes one store operation for rule evaluation.
type Request struct {
	// UID is the acting identity. Empty means not signed in; always denied.
	UID string

	// Op is the operation class.
	Op Op

	// Collection and ID address the record.
	Collection string
	ID         string

	// Resource holds the full existing record fields, or nil if absent.
	Resource map[string]any

	// Data holds the incoming candidate fields: the full document on
	// create, the expanded patch on update, nil on reads and deletes.
	Data map[string]any

	// Touched lists the sorted top-level field paths of an update patch
	// (dotted form, e.g. "editorMap.u1"). Empty for other operations.
	Touched []string
}

// DeniedError reports a rule evaluation that allowed no variant.
type DeniedError struct {
	Collection string
	Op         Op
	UID        string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s %s as %q", e.Op, e.Collection, e.UID)
}

// Engine holds the compiled rule set.
//
// cue.Context is not documented as safe for concurrent evaluation, so the
// engine serializes Allow calls with a mutex. The store already serializes
// all operations, making the lock uncontended in practice.
type Engine struct {
	mu   sync.Mutex
	cctx *cue.Context
	root cue.Value
}

// New compiles the embedded default rule set.
func New() (*Engine, error) {
	return NewFromSource(defaultSource)
}

// NewFromSource compiles a rule set from CUE source. Used by tests to
// exercise the evaluator against small custom rule sets.
func NewFromSource(source string) (*Engine, error) {
	cctx := cuecontext.New()
	root := cctx.CompileString(source, cue.Filename("rules.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	return &Engine{cctx: cctx, root: root}, nil
}

// Allow reports whether the request is permitted by the rule set.
// Returns nil if allowed, a *DeniedError otherwise.
func (e *Engine) Allow(req Request) error {
	if req.UID == "" {
		return &DeniedError{Collection: req.Collection, Op: req.Op, UID: req.UID}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	path := cue.ParsePath(fmt.Sprintf("%s.%s", req.Collection, req.Op))
	variants := e.root.LookupPath(path)
	if !variants.Exists() {
		// No rules for this collection/op: deny by default.
		return &DeniedError{Collection: req.Collection, Op: req.Op, UID: req.UID}
	}

	reqVal, err := e.encodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode rule request: %w", err)
	}

	iter, err := variants.List()
	if err != nil {
		return fmt.Errorf("rules at %s.%s are not a list: %w", req.Collection, req.Op, err)
	}
	for iter.Next() {
		merged := iter.Value().Unify(reqVal)
		if merged.Err() != nil {
			continue
		}
		if merged.Validate(cue.Final()) == nil {
			return nil
		}
	}
	return &DeniedError{Collection: req.Collection, Op: req.Op, UID: req.UID}
}

// encodeRequest builds a closed CUE value for the request by compiling it as
// a definition. Definitions close their structs recursively, which is what
// turns rule unification into a strict check.
func (e *Engine) encodeRequest(req Request) (cue.Value, error) {
	doc := map[string]any{
		"op":       string(req.Op),
		"auth":     map[string]any{"uid": req.UID},
		"id":       req.ID,
		"resource": nonNilMap(req.Resource),
		"data":     nonNilMap(req.Data),
		"touched":  nonNilStrings(req.Touched),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return cue.Value{}, err
	}
	v := e.cctx.CompileString("#req: "+string(raw), cue.Filename("request.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, err
	}
	reqVal := v.LookupPath(cue.ParsePath("#req"))
	if err := reqVal.Err(); err != nil {
		return cue.Value{}, err
	}
	return reqVal, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
