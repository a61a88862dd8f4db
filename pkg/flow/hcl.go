package flow

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/petrijr/waterflow/pkg/api"
)

// Handlers is a catalog of named handlers that definition files refer to.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	onError  map[string]ErrorHandler
}

// NewHandlers returns an empty catalog.
func NewHandlers() *Handlers {
	return &Handlers{
		handlers: make(map[string]Handler),
		onError:  make(map[string]ErrorHandler),
	}
}

// Register adds a handler under name, replacing any previous one.
func (h *Handlers) Register(name string, handler Handler) *Handlers {
	h.mu.Lock()
	h.handlers[name] = handler
	h.mu.Unlock()
	return h
}

// Map registers a MapFunc.
func (h *Handlers) Map(name string, fn MapFunc) *Handlers { return h.Register(name, MapHandler(fn)) }

// Process registers a ProcessFunc.
func (h *Handlers) Process(name string, fn ProcessFunc) *Handlers {
	return h.Register(name, ProcessHandler(fn))
}

// FlatMap registers a FlatMapFunc.
func (h *Handlers) FlatMap(name string, fn FlatMapFunc) *Handlers {
	return h.Register(name, FlatMapHandler(fn))
}

// Reduce registers a ReduceFunc for join nodes.
func (h *Handlers) Reduce(name string, fn ReduceFunc) *Handlers {
	return h.Register(name, JoinHandler(fn))
}

// OnError registers a named error handler.
func (h *Handlers) OnError(name string, eh ErrorHandler) *Handlers {
	h.mu.Lock()
	h.onError[name] = eh
	h.mu.Unlock()
	return h
}

func (h *Handlers) handler(name string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.handlers[name]
	return v, ok
}

func (h *Handlers) errorHandler(name string) (ErrorHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.onError[name]
	return v, ok
}

type hclFile struct {
	Flows []*hclFlow `hcl:"flow,block"`
}

type hclFlow struct {
	StreamID string     `hcl:"stream_id,label"`
	Version  string     `hcl:"version,optional"`
	Notify   string     `hcl:"notify,optional"`
	OnError  string     `hcl:"on_error,optional"`
	Inactive bool       `hcl:"inactive,optional"`
	Nodes    []*hclNode `hcl:"node,block"`
}

type hclNode struct {
	ID          string         `hcl:"id,label"`
	Type        string         `hcl:"type"`
	Name        string         `hcl:"name,optional"`
	Handler     string         `hcl:"handler,optional"`
	Exclusive   bool           `hcl:"exclusive,optional"`
	MaxRetries  int            `hcl:"max_retries,optional"`
	Notify      string         `hcl:"notify,optional"`
	OnError     string         `hcl:"on_error,optional"`
	MaxInFlight int            `hcl:"max_in_flight,optional"`
	Accept      hcl.Expression `hcl:"accept,optional"`
	Reject      string         `hcl:"reject,optional"`
	Window      *hclWindow     `hcl:"window,block"`
	Next        []*hclNext     `hcl:"next,block"`
}

type hclWindow struct {
	Type      string `hcl:"type"`
	Count     int    `hcl:"count,optional"`
	Timeout   string `hcl:"timeout,optional"`
	Attribute string `hcl:"attribute,optional"`
}

type hclNext struct {
	To   string         `hcl:"to,label"`
	When hcl.Expression `hcl:"when,optional"`
}

// LoadHCL reads flow definitions from an HCL file. Handler names are
// resolved against handlers.
//
//	flow "orders" {
//	  version = "2"
//	  node "start" {
//	    type = "START"
//	    next "price" {}
//	  }
//	  node "price" {
//	    type    = "STATE"
//	    handler = "price"
//	    next "large" { when = data.total > 100 }
//	    next "done" {}
//	  }
//	  ...
//	}
func LoadHCL(path string, handlers *Handlers) ([]*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", path, diags.Error())
	}
	return decodeFile(path, file, handlers)
}

// ParseHCL is LoadHCL for in-memory sources.
func ParseHCL(src []byte, filename string, handlers *Handlers) ([]*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", filename, diags.Error())
	}
	return decodeFile(filename, file, handlers)
}

// LoadHCLDir loads every *.hcl file in dir, in lexical order.
func LoadHCLDir(dir string, handlers *Handlers) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flow dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".hcl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []*Definition
	for _, name := range names {
		d, err := LoadHCL(filepath.Join(dir, name), handlers)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d...)
	}
	return defs, nil
}

func decodeFile(filename string, file *hcl.File, handlers *Handlers) ([]*Definition, error) {
	var cfg hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", filename, diags.Error())
	}
	if handlers == nil {
		handlers = NewHandlers()
	}

	defs := make([]*Definition, 0, len(cfg.Flows))
	for _, f := range cfg.Flows {
		d, err := f.build(handlers)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func (f *hclFlow) build(handlers *Handlers) (*Definition, error) {
	b := New(f.StreamID, f.Version)
	if f.Notify != "" {
		b.NotifyOnComplete(f.Notify)
	}
	if f.OnError != "" {
		eh, ok := handlers.errorHandler(f.OnError)
		if !ok {
			return nil, fmt.Errorf("%w: flow %q: unknown error handler %q", ErrDefinition, f.StreamID, f.OnError)
		}
		b.OnGlobalError(eh)
	}

	for _, n := range f.Nodes {
		typ := NodeType(strings.ToUpper(n.Type))
		h, err := n.handler(typ, handlers)
		if err != nil {
			return nil, err
		}
		opts, err := n.options(handlers)
		if err != nil {
			return nil, err
		}
		b.detached = true
		b.Node(n.ID, typ, h, opts...)
	}
	for _, n := range f.Nodes {
		for _, next := range n.Next {
			b.Edge(n.ID, next.To, exprWhether(next.When))
		}
	}

	d, err := b.Build()
	if err != nil {
		return nil, err
	}
	if f.Inactive {
		d.SetActive(false)
	}
	return d, nil
}

func (n *hclNode) handler(typ NodeType, handlers *Handlers) (Handler, error) {
	switch typ {
	case NodeStart, NodeState, NodeCondition, NodeParallel, NodeJoin, NodeEvent:
	case NodeEnd:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: node %q has unknown type %q", ErrDefinition, n.ID, n.Type)
	}
	if n.Handler == "" {
		if typ == NodeState || typ == NodeJoin {
			return nil, fmt.Errorf("%w: node %q needs a handler", ErrDefinition, n.ID)
		}
		return Passthrough, nil
	}
	h, ok := handlers.handler(n.Handler)
	if !ok {
		return nil, fmt.Errorf("%w: node %q: unknown handler %q", ErrDefinition, n.ID, n.Handler)
	}
	return h, nil
}

func (n *hclNode) options(handlers *Handlers) ([]NodeOption, error) {
	var opts []NodeOption
	if n.Name != "" {
		opts = append(opts, WithName(n.Name))
	}
	if n.Exclusive {
		opts = append(opts, WithExclusive())
	}
	if n.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(n.MaxRetries))
	}
	if n.Notify != "" {
		opts = append(opts, WithNotify(n.Notify))
	}
	if n.MaxInFlight > 0 {
		opts = append(opts, WithBlock(NewBlock(n.MaxInFlight)))
	}
	if n.OnError != "" {
		eh, ok := handlers.errorHandler(n.OnError)
		if !ok {
			return nil, fmt.Errorf("%w: node %q: unknown error handler %q", ErrDefinition, n.ID, n.OnError)
		}
		opts = append(opts, WithOnError(eh))
	}
	if w := exprWhether(n.Accept); w != nil {
		f := &Filter{Whether: w, OnReject: RejectDrop}
		switch n.Reject {
		case "", "drop":
		case "reroute":
			f.OnReject = RejectReroute
		default:
			return nil, fmt.Errorf("%w: node %q: unknown reject action %q", ErrDefinition, n.ID, n.Reject)
		}
		opts = append(opts, WithPreFilter(f))
	}
	if n.Window != nil {
		w, err := n.Window.window()
		if err != nil {
			return nil, fmt.Errorf("%w: node %q: %v", ErrDefinition, n.ID, err)
		}
		opts = append(opts, WithWindow(w))
	}
	return opts, nil
}

func (w *hclWindow) window() (Window, error) {
	switch strings.ToLower(w.Type) {
	case "count":
		if w.Count <= 0 {
			return nil, fmt.Errorf("count window needs a positive count")
		}
		return CountWindow(w.Count), nil
	case "substream":
		return SubStreamWindow(), nil
	case "time":
		d, err := time.ParseDuration(w.Timeout)
		if err != nil {
			return nil, fmt.Errorf("time window: %w", err)
		}
		return TimeWindow(d), nil
	case "session":
		return SessionWindow(w.Attribute, nil), nil
	default:
		return nil, fmt.Errorf("unknown window type %q", w.Type)
	}
}

// exprWhether turns an optional HCL expression into a predicate evaluated
// against the context. Expressions see data, session, trace_id and node.
func exprWhether(expr hcl.Expression) Whether {
	if expr == nil {
		return nil
	}
	if v, diags := expr.Value(nil); !diags.HasErrors() && v.IsNull() {
		return nil
	}
	return func(c *api.FlowContext) bool {
		v, diags := expr.Value(evalContext(c))
		if diags.HasErrors() || !v.IsKnown() || v.IsNull() || v.Type() != cty.Bool {
			return false
		}
		return v.True()
	}
}

func evalContext(c *api.FlowContext) *hcl.EvalContext {
	state := map[string]any{}
	if c.Session != nil {
		state = c.Session.State
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"data":     toCty(c.Data),
			"session":  toCty(state),
			"trace_id": cty.StringVal(c.TraceID),
			"node":     cty.StringVal(c.Position),
		},
	}
}

func toCty(data any) cty.Value {
	switch v := data.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case cty.Value:
		return v
	case string:
		return cty.StringVal(v)
	case bool:
		return cty.BoolVal(v)
	case int:
		return cty.NumberIntVal(int64(v))
	case int32:
		return cty.NumberIntVal(int64(v))
	case int64:
		return cty.NumberIntVal(v)
	case uint:
		return cty.NumberUIntVal(uint64(v))
	case uint64:
		return cty.NumberUIntVal(v)
	case float32:
		return cty.NumberFloatVal(float64(v))
	case float64:
		return cty.NumberFloatVal(v)
	case *big.Float:
		return cty.NumberVal(v)
	case map[string]any:
		if len(v) == 0 {
			return cty.EmptyObjectVal
		}
		attrs := make(map[string]cty.Value, len(v))
		for k, e := range v {
			attrs[k] = toCty(e)
		}
		return cty.ObjectVal(attrs)
	case []any:
		if len(v) == 0 {
			return cty.EmptyTupleVal
		}
		elems := make([]cty.Value, len(v))
		for i, e := range v {
			elems[i] = toCty(e)
		}
		return cty.TupleVal(elems)
	default:
		// Structs and other maps go through their JSON form.
		raw, err := json.Marshal(v)
		if err != nil {
			return cty.NullVal(cty.DynamicPseudoType)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return cty.NullVal(cty.DynamicPseudoType)
		}
		return toCty(generic)
	}
}
