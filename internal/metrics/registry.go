// Package metrics holds the hierarchical, lazily evaluated metrics namespace
// served by the metrics endpoint.
//
// Metrics are registered under slash-delimited paths such as "world/npc/count".
// Every segment except the last names a Branch; the last names a Leaf holding
// a Producer. Producers run only when the tree is evaluated, once per
// evaluation, and their results are never cached.
package metrics

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"megacity-metro/internal/serializer"
)

// Separator delimits the segments of a registration path.
const Separator = "/"

var (
	// ErrEmptyPath is returned when a registration path has no segments.
	ErrEmptyPath = errors.New("metric path is empty")
	// ErrEmptySegment is returned for paths such as "a//b" or "/a".
	ErrEmptySegment = errors.New("metric path contains an empty segment")
	// ErrNilProducer is returned when registering a nil producer.
	ErrNilProducer = errors.New("metric producer is nil")
)

// Producer computes the current value of a metric. It is invoked on every
// evaluation of the leaf holding it.
type Producer func() (any, error)

// Func adapts an infallible function into a Producer.
func Func(fn func() any) Producer {
	if fn == nil {
		return nil
	}
	return func() (any, error) {
		return fn(), nil
	}
}

// Node is either a *Leaf or a *Branch.
type Node interface {
	isNode()
}

// Leaf holds the producer of a single metric value.
type Leaf struct {
	Producer Producer
}

// Branch holds named children in insertion order.
type Branch struct {
	children *orderedmap.OrderedMap[string, Node]
}

func (*Leaf) isNode()   {}
func (*Branch) isNode() {}

// NewBranch returns an empty branch.
func NewBranch() *Branch {
	return &Branch{children: orderedmap.New[string, Node]()}
}

// Child returns the direct child stored under name.
func (b *Branch) Child(name string) (Node, bool) {
	return b.children.Get(name)
}

// Names lists the direct children in insertion order.
func (b *Branch) Names() []string {
	names := make([]string, 0, b.children.Len())
	for pair := b.children.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Len reports the number of direct children.
func (b *Branch) Len() int {
	return b.children.Len()
}

// clone copies the branch structure. Leaves are shared since Register
// replaces them rather than mutating them.
func (b *Branch) clone() *Branch {
	out := NewBranch()
	for pair := b.children.Oldest(); pair != nil; pair = pair.Next() {
		if branch, ok := pair.Value.(*Branch); ok {
			out.children.Set(pair.Key, branch.clone())
			continue
		}
		out.children.Set(pair.Key, pair.Value)
	}
	return out
}

// Registry is the root of a metrics namespace. It is safe for concurrent use;
// registration may happen before or after the owning server starts.
type Registry struct {
	mu   sync.RWMutex
	root *Branch
}

// NewRegistry returns a registry with an empty root branch.
func NewRegistry() *Registry {
	return &Registry{root: NewBranch()}
}

// Register stores producer as a leaf at path, creating intermediate branches
// as needed. Whatever node already sits at path is replaced, and an
// intermediate segment currently holding a leaf is replaced by a branch.
func (r *Registry) Register(path string, producer Producer) error {
	if producer == nil {
		return ErrNilProducer
	}
	segments, err := splitPath(path)
	if err != nil {
		return fmt.Errorf("register %q: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.root
	for _, segment := range segments[:len(segments)-1] {
		child, ok := current.children.Get(segment)
		branch, isBranch := child.(*Branch)
		if !ok || !isBranch {
			branch = NewBranch()
			current.children.Set(segment, branch)
		}
		current = branch
	}
	current.children.Set(segments[len(segments)-1], &Leaf{Producer: producer})
	return nil
}

// Lookup returns the node registered at path. A branch is returned as a copy
// that later registrations do not affect.
func (r *Registry) Lookup(path string) (Node, bool) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var node Node = r.root
	for _, segment := range segments {
		branch, ok := node.(*Branch)
		if !ok {
			return nil, false
		}
		if node, ok = branch.children.Get(segment); !ok {
			return nil, false
		}
	}
	if branch, ok := node.(*Branch); ok {
		return branch.clone(), true
	}
	return node, true
}

// Evaluate invokes every producer in the tree exactly once and returns the
// results nested in registration order. The tree is copied before any
// producer runs, so producers may register metrics; those show up from the
// next evaluation on.
func (r *Registry) Evaluate() (*serializer.Map, error) {
	r.mu.RLock()
	root := r.root.clone()
	r.mu.RUnlock()
	return evaluateBranch(root, "")
}

// EvaluateNode evaluates a single node. Leaves yield their producer's value;
// branches yield a *serializer.Map of their children.
func EvaluateNode(node Node) (any, error) {
	return evaluate(node, "")
}

func evaluate(node Node, path string) (any, error) {
	switch n := node.(type) {
	case *Leaf:
		value, err := produce(n.Producer)
		if err != nil {
			return nil, &ProducerError{Path: path, Err: err}
		}
		return value, nil
	case *Branch:
		return evaluateBranch(n, path)
	default:
		return nil, fmt.Errorf("metric %q: unsupported node %T", path, node)
	}
}

func evaluateBranch(b *Branch, path string) (*serializer.Map, error) {
	out := serializer.NewMap()
	for pair := b.children.Oldest(); pair != nil; pair = pair.Next() {
		value, err := evaluate(pair.Value, joinPath(path, pair.Key))
		if err != nil {
			return nil, err
		}
		out.Set(pair.Key, value)
	}
	return out, nil
}

// produce runs a producer, converting a panic into an error so a single bad
// metric fails the evaluation instead of the process.
func produce(producer Producer) (value any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("producer panic: %v", recovered)
		}
	}()
	return producer()
}

// ProducerError reports which metric failed during evaluation.
type ProducerError struct {
	Path string
	Err  error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("metric %q: %v", e.Path, e.Err)
}

func (e *ProducerError) Unwrap() error {
	return e.Err
}

func splitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyPath
	}
	segments := strings.Split(path, Separator)
	for _, segment := range segments {
		if segment == "" {
			return nil, ErrEmptySegment
		}
	}
	return segments, nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + Separator + name
}
