package connect

import (
	"errors"
	"fmt"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/nbsync/protocol"
)

func testNotebookTree() map[string]any {
	return map[string]any{
		"notebook_id": "n",
		"cell_order":  []any{"A", "B", "X"},
		"cell_inputs": map[string]any{
			"A": map[string]any{"code": "a = 1"},
			"B": map[string]any{"code": "b = a + 1"},
			"X": map[string]any{"code": "x = b"},
		},
		"cell_results": map[string]any{
			"X": map[string]any{
				"queued":  false,
				"running": false,
				"output":  map[string]any{"body": "2"},
			},
		},
	}
}

func TestApplyPatches(t *testing.T) {
	root := testNotebookTree()

	next, err := ApplyPatches(root, []protocol.Patch{
		{Op: protocol.PatchOpAdd, Path: protocol.RequirePath("cell_order", 1), Value: "C"},
		{Op: protocol.PatchOpAdd, Path: protocol.RequirePath("cell_order", "-"), Value: "D"},
		{Op: protocol.PatchOpRemove, Path: protocol.RequirePath("cell_order", 0)},
		{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("cell_inputs", "A", "code"), Value: "a = 2"},
		{Op: protocol.PatchOpAdd, Path: protocol.RequirePath("cell_inputs", "C"), Value: map[string]any{"code": ""}},
		{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("cell_results", "X", "running"), Value: true},
	})
	assert.Equal(t, err, nil)

	nextMap := next.(map[string]any)
	assert.Equal(t, nextMap["cell_order"], []any{"C", "B", "X", "D"})
	assert.Equal(t, nextMap["cell_inputs"].(map[string]any)["A"], map[string]any{"code": "a = 2"})
	assert.Equal(t, nextMap["cell_inputs"].(map[string]any)["C"], map[string]any{"code": ""})
	assert.Equal(t, DefaultBusyFunc(next), true)

	// the input is untouched
	assert.Equal(t, root, testNotebookTree())
	assert.Equal(t, DefaultBusyFunc(root), false)
}

func TestApplyPatchesSharesUntouched(t *testing.T) {
	root := testNotebookTree()

	next, err := ApplyPatches(root, []protocol.Patch{
		{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("cell_inputs", "A", "code"), Value: "a = 2"},
		{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("cell_inputs", "B", "code"), Value: "b = 3"},
	})
	assert.Equal(t, err, nil)

	nextMap := next.(map[string]any)
	// untouched subtrees are the same containers
	nextResults := nextMap["cell_results"].(map[string]any)
	nextResults["marker"] = true
	_, ok := root["cell_results"].(map[string]any)["marker"]
	assert.Equal(t, ok, true)
	delete(nextResults, "marker")

	// touched containers are copies
	nextInputs := nextMap["cell_inputs"].(map[string]any)
	nextInputs["marker"] = true
	_, ok = root["cell_inputs"].(map[string]any)["marker"]
	assert.Equal(t, ok, false)
}

func TestApplyPatchesRoot(t *testing.T) {
	root := testNotebookTree()

	next, err := ApplyPatches(root, []protocol.Patch{
		{Op: protocol.PatchOpReplace, Path: protocol.Path{}, Value: map[string]any{"a": 1.0}},
		{Op: protocol.PatchOpAdd, Path: protocol.RequirePath("b"), Value: 2.0},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, next, map[string]any{"a": 1.0, "b": 2.0})

	_, err = ApplyPatches(root, []protocol.Patch{
		{Op: protocol.PatchOpRemove, Path: protocol.Path{}},
	})
	assert.Equal(t, errors.Is(err, ErrPatchConflict), true)
}

func TestApplyPatchesDoubleRemove(t *testing.T) {
	root := testNotebookTree()
	remove := []protocol.Patch{
		{Op: protocol.PatchOpRemove, Path: protocol.RequirePath("cell_results", "X", "output")},
	}

	next, err := ApplyPatches(root, remove)
	assert.Equal(t, err, nil)

	again, err := ApplyPatches(next, remove)
	assert.Equal(t, errors.Is(err, ErrPatchConflict), true)
	var conflictErr *PatchConflictError
	assert.Equal(t, errors.As(err, &conflictErr), true)
	assert.Equal(t, conflictErr.Index, 0)
	assert.Equal(t, conflictErr.Patch.Path, remove[0].Path)
	// the input is returned unchanged
	assert.Equal(t, again, next)
}

func TestApplyPatchesAtomic(t *testing.T) {
	root := testNotebookTree()

	_, err := ApplyPatches(root, []protocol.Patch{
		{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("cell_inputs", "A", "code"), Value: "a = 2"},
		{Op: protocol.PatchOpRemove, Path: protocol.RequirePath("cell_order", 10)},
	})
	assert.Equal(t, errors.Is(err, ErrPatchConflict), true)
	var conflictErr *PatchConflictError
	errors.As(err, &conflictErr)
	assert.Equal(t, conflictErr.Index, 1)

	// nothing from the batch was applied
	assert.Equal(t, root, testNotebookTree())
}

func TestApplyPatchesConflicts(t *testing.T) {
	root := testNotebookTree()

	conflicts := [][]protocol.Patch{
		{{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("missing"), Value: 1.0}},
		{{Op: protocol.PatchOpAdd, Path: protocol.RequirePath("missing", "a"), Value: 1.0}},
		{{Op: protocol.PatchOpAdd, Path: protocol.RequirePath("cell_order", 4), Value: "E"}},
		{{Op: protocol.PatchOpAdd, Path: protocol.RequirePath("notebook_id", "a"), Value: 1.0}},
		{{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("cell_order", "-"), Value: "E"}},
		{{Op: protocol.PatchOpRemove, Path: protocol.RequirePath("cell_order", "first")}},
		{{Op: "move", Path: protocol.RequirePath("cell_order", 0)}},
	}
	for _, patches := range conflicts {
		_, err := ApplyPatches(root, patches)
		assert.Equal(t, errors.Is(err, ErrPatchConflict), true)
	}
	assert.Equal(t, root, testNotebookTree())
}

func TestApplyPatchesNumericKeys(t *testing.T) {
	root := map[string]any{
		"list": []any{"a", "b"},
		"map":  map[string]any{"0": "zero"},
	}

	next, err := ApplyPatches(root, []protocol.Patch{
		// numeric string on an array is an index
		{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("list", "1"), Value: "B"},
		// integer on a map is a key
		{Op: protocol.PatchOpReplace, Path: protocol.RequirePath("map", 0), Value: "ZERO"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, next, map[string]any{
		"list": []any{"a", "B"},
		"map":  map[string]any{"0": "ZERO"},
	})
}

// referenceApply applies one patch in place to a private copy
func referenceApply(root any, patch protocol.Patch) (any, bool) {
	n := len(patch.Path)
	if n == 0 {
		if patch.Op == protocol.PatchOpRemove {
			return root, false
		}
		return copyTree(patch.Value), true
	}
	// parents are addressed through setters so that array growth is written back
	var get func() any
	var set func(any)
	get = func() any { return root }
	set = func(v any) { root = v }
	for _, segment := range patch.Path[:n-1] {
		switch v := get().(type) {
		case map[string]any:
			key := segment.Key()
			if _, ok := v[key]; !ok {
				return root, false
			}
			get = func() any { return v[key] }
			set = func(c any) { v[key] = c }
		case []any:
			i, ok := segment.ArrayIndex(len(v), false)
			if !ok {
				return root, false
			}
			get = func() any { return v[i] }
			set = func(c any) { v[i] = c }
		default:
			return root, false
		}
	}
	value := copyTree(patch.Value)
	last := patch.Path[n-1]
	switch v := get().(type) {
	case map[string]any:
		key := last.Key()
		_, exists := v[key]
		switch patch.Op {
		case protocol.PatchOpAdd:
			v[key] = value
		case protocol.PatchOpReplace:
			if !exists {
				return root, false
			}
			v[key] = value
		case protocol.PatchOpRemove:
			if !exists {
				return root, false
			}
			delete(v, key)
		}
	case []any:
		switch patch.Op {
		case protocol.PatchOpAdd:
			i, ok := last.ArrayIndex(len(v), true)
			if !ok {
				return root, false
			}
			next := append([]any{}, v[:i]...)
			next = append(next, value)
			next = append(next, v[i:]...)
			set(next)
		case protocol.PatchOpReplace:
			i, ok := last.ArrayIndex(len(v), false)
			if !ok {
				return root, false
			}
			v[i] = value
		case protocol.PatchOpRemove:
			i, ok := last.ArrayIndex(len(v), false)
			if !ok {
				return root, false
			}
			next := append([]any{}, v[:i]...)
			next = append(next, v[i+1:]...)
			set(next)
		}
	default:
		return root, false
	}
	return root, true
}

func copyTree(value any) any {
	switch v := value.(type) {
	case map[string]any:
		c := make(map[string]any, len(v))
		for key, child := range v {
			c[key] = copyTree(child)
		}
		return c
	case []any:
		c := make([]any, len(v))
		for i, child := range v {
			c[i] = copyTree(child)
		}
		return c
	default:
		return value
	}
}

// randomPatch generates a patch that resolves against `root`
func randomPatch(r *mathrand.Rand, root any, id int) protocol.Patch {
	path := protocol.Path{}
	node := root
	for {
		var children []protocol.Segment
		switch v := node.(type) {
		case map[string]any:
			for key := range v {
				children = append(children, protocol.Key(key))
			}
		case []any:
			for i := range v {
				children = append(children, protocol.Index(i))
			}
		}
		if len(children) == 0 || r.Intn(3) == 0 {
			break
		}
		segment := children[r.Intn(len(children))]
		child, _ := GetPath(node, protocol.Path{segment})
		switch child.(type) {
		case map[string]any, []any:
			path = append(path, segment)
			node = child
			continue
		}
		break
	}

	value := func() any {
		switch r.Intn(3) {
		case 0:
			return map[string]any{"v": float64(id)}
		case 1:
			return []any{float64(id)}
		default:
			return fmt.Sprintf("v%d", id)
		}
	}

	switch v := node.(type) {
	case map[string]any:
		keys := []string{}
		for key := range v {
			keys = append(keys, key)
		}
		if 0 < len(keys) && r.Intn(2) == 0 {
			key := keys[r.Intn(len(keys))]
			if r.Intn(2) == 0 {
				return protocol.Patch{Op: protocol.PatchOpRemove, Path: append(path, protocol.Key(key))}
			}
			return protocol.Patch{Op: protocol.PatchOpReplace, Path: append(path, protocol.Key(key)), Value: value()}
		}
		return protocol.Patch{Op: protocol.PatchOpAdd, Path: append(path, protocol.Key(fmt.Sprintf("k%d", id))), Value: value()}
	case []any:
		if 0 < len(v) && r.Intn(2) == 0 {
			i := r.Intn(len(v))
			if r.Intn(2) == 0 {
				return protocol.Patch{Op: protocol.PatchOpRemove, Path: append(path, protocol.Index(i))}
			}
			return protocol.Patch{Op: protocol.PatchOpReplace, Path: append(path, protocol.Index(i)), Value: value()}
		}
		return protocol.Patch{Op: protocol.PatchOpAdd, Path: append(path, protocol.Index(r.Intn(len(v)+1))), Value: value()}
	default:
		panic(fmt.Errorf("not a container: %T", node))
	}
}

func TestApplyPatchesReference(t *testing.T) {
	// apply(apply(T, B1), B2) == apply(T, B1 ++ B2), and both match an in place reference
	r := mathrand.New(mathrand.NewSource(0))

	for round := range 256 {
		root := any(testNotebookTree())

		expected := copyTree(root)
		patches := []protocol.Patch{}
		for i := range 1 + r.Intn(24) {
			patch := randomPatch(r, expected, round*1000+i)
			var ok bool
			expected, ok = referenceApply(expected, patch)
			assert.Equal(t, ok, true)
			patches = append(patches, patch)
		}
		k := r.Intn(len(patches) + 1)
		b1 := patches[:k]
		b2 := patches[k:]

		all, err := ApplyPatches(root, patches)
		assert.Equal(t, err, nil)
		assert.Equal(t, all, expected)

		first, err := ApplyPatches(root, b1)
		assert.Equal(t, err, nil)
		second, err := ApplyPatches(first, b2)
		assert.Equal(t, err, nil)
		assert.Equal(t, second, expected)

		// the input is untouched
		assert.Equal(t, root, any(testNotebookTree()))
	}
}
