package connect

import (
	"errors"
	"fmt"

	"golang.org/x/exp/maps"

	"github.com/bringyour/nbsync/protocol"
)

var ErrPatchConflict = errors.New("Patch conflict.")

// a patch in a batch whose path did not resolve against the tree at that point in the batch.
// The whole batch is rejected.
type PatchConflictError struct {
	// index of the patch in the batch
	Index  int
	Patch  protocol.Patch
	Reason string
}

func (self *PatchConflictError) Error() string {
	return fmt.Sprintf("Patch conflict at %d (%s): %s", self.Index, self.Patch, self.Reason)
}

func (self *PatchConflictError) Unwrap() error {
	return ErrPatchConflict
}

// ApplyPatches applies `patches` in order and returns the new tree.
// The input tree is never modified. Containers touched by the batch are copied at most once
// and untouched subtrees are shared with the input.
// Trees are json shaped: `map[string]any`, `[]any`, and scalar leaves.
func ApplyPatches(root any, patches []protocol.Patch) (any, error) {
	draft := newPatchDraft(root)
	for i, patch := range patches {
		if reason := draft.apply(patch); reason != "" {
			return root, &PatchConflictError{
				Index:  i,
				Patch:  patch,
				Reason: reason,
			}
		}
	}
	return draft.finish(), nil
}

// containers copied during the current batch. Only drafts are modified in place.
type draftObject struct {
	values map[string]any
}

type draftArray struct {
	values []any
}

type patchDraft struct {
	root any
}

func newPatchDraft(root any) *patchDraft {
	return &patchDraft{
		root: root,
	}
}

func (self *patchDraft) apply(patch protocol.Patch) string {
	if !patch.Op.Valid() {
		return fmt.Sprintf("unknown op %q", patch.Op)
	}

	n := len(patch.Path)
	if n == 0 {
		switch patch.Op {
		case protocol.PatchOpRemove:
			return "cannot remove the root"
		default:
			self.root = patch.Value
			return ""
		}
	}

	rootDraft, ok := toDraft(self.root)
	if !ok {
		return "root is not a container"
	}
	self.root = rootDraft

	node := rootDraft
	for depth, segment := range patch.Path[:n-1] {
		child, ok := draftGet(node, segment)
		if !ok {
			return fmt.Sprintf("%s does not exist", patch.Path[:depth+1])
		}
		childDraft, ok := toDraft(child)
		if !ok {
			return fmt.Sprintf("%s is not a container", patch.Path[:depth+1])
		}
		draftSet(node, segment, childDraft)
		node = childDraft
	}

	last := patch.Path[n-1]
	switch v := node.(type) {
	case *draftObject:
		key := last.Key()
		_, exists := v.values[key]
		switch patch.Op {
		case protocol.PatchOpAdd:
			v.values[key] = patch.Value
		case protocol.PatchOpReplace:
			if !exists {
				return fmt.Sprintf("%s does not exist", patch.Path)
			}
			v.values[key] = patch.Value
		case protocol.PatchOpRemove:
			if !exists {
				return fmt.Sprintf("%s does not exist", patch.Path)
			}
			delete(v.values, key)
		}
	case *draftArray:
		switch patch.Op {
		case protocol.PatchOpAdd:
			i, ok := last.ArrayIndex(len(v.values), true)
			if !ok {
				return fmt.Sprintf("%s is out of range", patch.Path)
			}
			v.values = append(v.values, nil)
			copy(v.values[i+1:], v.values[i:])
			v.values[i] = patch.Value
		case protocol.PatchOpReplace:
			i, ok := last.ArrayIndex(len(v.values), false)
			if !ok {
				return fmt.Sprintf("%s does not exist", patch.Path)
			}
			v.values[i] = patch.Value
		case protocol.PatchOpRemove:
			i, ok := last.ArrayIndex(len(v.values), false)
			if !ok {
				return fmt.Sprintf("%s does not exist", patch.Path)
			}
			v.values = append(v.values[:i], v.values[i+1:]...)
		}
	}
	return ""
}

func (self *patchDraft) finish() any {
	return finishDraft(self.root)
}

// toDraft returns the draft for a container, copying it if it is not already a draft
func toDraft(value any) (any, bool) {
	switch v := value.(type) {
	case *draftObject, *draftArray:
		return v, true
	case map[string]any:
		var values map[string]any
		if v == nil {
			values = map[string]any{}
		} else {
			values = maps.Clone(v)
		}
		return &draftObject{values: values}, true
	case []any:
		values := make([]any, len(v))
		copy(values, v)
		return &draftArray{values: values}, true
	default:
		return nil, false
	}
}

func draftGet(node any, segment protocol.Segment) (any, bool) {
	switch v := node.(type) {
	case *draftObject:
		child, ok := v.values[segment.Key()]
		return child, ok
	case *draftArray:
		i, ok := segment.ArrayIndex(len(v.values), false)
		if !ok {
			return nil, false
		}
		return v.values[i], true
	default:
		return nil, false
	}
}

func draftSet(node any, segment protocol.Segment, child any) {
	switch v := node.(type) {
	case *draftObject:
		v.values[segment.Key()] = child
	case *draftArray:
		if i, ok := segment.ArrayIndex(len(v.values), false); ok {
			v.values[i] = child
		}
	}
}

// finishDraft replaces drafts with plain containers.
// Drafts only occur under drafts, so plain subtrees are not visited.
func finishDraft(value any) any {
	switch v := value.(type) {
	case *draftObject:
		for key, child := range v.values {
			switch child.(type) {
			case *draftObject, *draftArray:
				v.values[key] = finishDraft(child)
			}
		}
		return v.values
	case *draftArray:
		for i, child := range v.values {
			switch child.(type) {
			case *draftObject, *draftArray:
				v.values[i] = finishDraft(child)
			}
		}
		return v.values
	default:
		return value
	}
}
