package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megacity-metro/internal/serializer"
)

func constant(v any) Producer {
	return func() (any, error) { return v, nil }
}

func render(t *testing.T, r *Registry) string {
	t.Helper()
	tree, err := r.Evaluate()
	require.NoError(t, err)
	data, err := serializer.Marshal(tree)
	require.NoError(t, err)
	return string(data)
}

func TestRegisterNestsSegments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a/b/c", constant(42)))

	assert.Equal(t, `{"a":{"b":{"c":42}}}`, render(t, r))
}

func TestRegisterSharesIntermediateBranches(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("world/npc/count", constant(12)))
	require.NoError(t, r.Register("world/npc/active", constant(9)))
	require.NoError(t, r.Register("world/trains", constant(3)))
	require.NoError(t, r.Register("players", constant(1)))

	assert.Equal(t, `{"world":{"npc":{"count":12,"active":9},"trains":3},"players":1}`, render(t, r))
}

func TestRegisterOverwriteKeepsOnlyLatestProducer(t *testing.T) {
	r := NewRegistry()
	firstCalls := 0
	require.NoError(t, r.Register("x/y", func() (any, error) {
		firstCalls++
		return "first", nil
	}))
	require.NoError(t, r.Register("x/y", constant("second")))

	assert.Equal(t, `{"x":{"y":"second"}}`, render(t, r))
	assert.Zero(t, firstCalls, "replaced producer must not run")
}

func TestRegisterOverwriteKeepsPosition(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", constant(1)))
	require.NoError(t, r.Register("b", constant(2)))
	require.NoError(t, r.Register("a", constant(3)))

	assert.Equal(t, `{"a":3,"b":2}`, render(t, r))
}

func TestRegisterReplacesBranchWithLeaf(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("net/in", constant(1)))
	require.NoError(t, r.Register("net/out", constant(2)))
	require.NoError(t, r.Register("net", constant("flat")))

	assert.Equal(t, `{"net":"flat"}`, render(t, r))
}

func TestRegisterReplacesLeafWithBranch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("net", constant("flat")))
	require.NoError(t, r.Register("net/in", constant(1)))

	assert.Equal(t, `{"net":{"in":1}}`, render(t, r))
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Register("", constant(1)), ErrEmptyPath)
	assert.ErrorIs(t, r.Register("a//b", constant(1)), ErrEmptySegment)
	assert.ErrorIs(t, r.Register("/a", constant(1)), ErrEmptySegment)
	assert.ErrorIs(t, r.Register("a/", constant(1)), ErrEmptySegment)
	assert.ErrorIs(t, r.Register("a", nil), ErrNilProducer)
	assert.Equal(t, `{}`, render(t, r))
}

func TestEvaluateInvokesEachProducerOncePerCall(t *testing.T) {
	r := NewRegistry()
	counts := map[string]int{}
	counter := func(name string) Producer {
		return func() (any, error) {
			counts[name]++
			return counts[name], nil
		}
	}
	require.NoError(t, r.Register("a/one", counter("one")))
	require.NoError(t, r.Register("a/two", counter("two")))
	require.NoError(t, r.Register("three", counter("three")))

	for i := 1; i <= 3; i++ {
		_, err := r.Evaluate()
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"one": i, "two": i, "three": i}, counts)
	}
}

func TestEvaluateReportsFailingPath(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("sensor offline")
	require.NoError(t, r.Register("ok", constant(1)))
	require.NoError(t, r.Register("gpu/temp", func() (any, error) { return nil, boom }))

	_, err := r.Evaluate()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var producerErr *ProducerError
	require.ErrorAs(t, err, &producerErr)
	assert.Equal(t, "gpu/temp", producerErr.Path)
}

func TestEvaluateRecoversProducerPanic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("bad", func() (any, error) { panic("kaboom") }))

	_, err := r.Evaluate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a/b", constant(1)))

	node, ok := r.Lookup("a")
	require.True(t, ok)
	branch, isBranch := node.(*Branch)
	require.True(t, isBranch)
	assert.Equal(t, []string{"b"}, branch.Names())

	node, ok = r.Lookup("a/b")
	require.True(t, ok)
	value, err := EvaluateNode(node)
	require.NoError(t, err)
	assert.Equal(t, 1, value)

	_, ok = r.Lookup("a/b/c")
	assert.False(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestFuncAdapter(t *testing.T) {
	assert.Nil(t, Func(nil))

	value, err := Func(func() any { return "v" })()
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestRegistryConcurrentRegisterAndEvaluate(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register("load/value", constant(1))
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Evaluate()
		}()
	}
	wg.Wait()

	assert.Equal(t, `{"load":{"value":1}}`, render(t, r))
}

func TestProducerMayRegisterDuringEvaluate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("lazy", func() (any, error) {
		if err := r.Register("discovered/late", constant("yes")); err != nil {
			return nil, err
		}
		return "ran", nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := r.Evaluate()
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluate blocked on a producer that registers")
	}
	assert.Equal(t, `{"lazy":"ran","discovered":{"late":"yes"}}`, render(t, r))
	assert.Equal(t, `{"lazy":"ran","discovered":{"late":"yes"}}`, render(t, r))
}

func TestLookupBranchIsDetached(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("world/npc", constant(1)))

	node, ok := r.Lookup("world")
	require.True(t, ok)
	require.NoError(t, r.Register("world/trains", constant(2)))

	branch, ok := node.(*Branch)
	require.True(t, ok)
	assert.Equal(t, []string{"npc"}, branch.Names())
}
