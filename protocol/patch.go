package protocol

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

type PatchOp string

const (
	PatchOpAdd     PatchOp = "add"
	PatchOpReplace PatchOp = "replace"
	PatchOpRemove  PatchOp = "remove"
)

func (self PatchOp) Valid() bool {
	switch self {
	case PatchOpAdd, PatchOpReplace, PatchOpRemove:
		return true
	default:
		return false
	}
}

// a single structural edit against the document tree
type Patch struct {
	Op    PatchOp `json:"op"`
	Path  Path    `json:"path"`
	Value any     `json:"value,omitempty"`
}

func (self Patch) String() string {
	return fmt.Sprintf("%s %s", self.Op, self.Path)
}

// comparable
// a path segment is either an object key or an array index.
// On the wire keys are json strings and indexes are json numbers.
type Segment struct {
	key     string
	index   int
	isIndex bool
}

func Key(key string) Segment {
	return Segment{key: key}
}

func Index(index int) Segment {
	return Segment{index: index, isIndex: true}
}

func (self Segment) IsIndex() bool {
	return self.isIndex
}

func (self Segment) Key() string {
	if self.isIndex {
		return strconv.Itoa(self.index)
	}
	return self.key
}

func (self Segment) Index() int {
	return self.index
}

// ArrayIndex resolves the segment against an array of length `n`.
// Numeric keys are accepted as indexes. When `end` is set the index may equal `n`, and the key "-" means `n`.
func (self Segment) ArrayIndex(n int, end bool) (int, bool) {
	var i int
	if self.isIndex {
		i = self.index
	} else if end && self.key == "-" {
		i = n
	} else {
		var err error
		i, err = strconv.Atoi(self.key)
		if err != nil {
			return 0, false
		}
	}
	if i < 0 {
		return 0, false
	}
	if end {
		return i, i <= n
	}
	return i, i < n
}

func (self Segment) String() string {
	return self.Key()
}

func (self Segment) MarshalJSON() ([]byte, error) {
	if self.isIndex {
		return []byte(strconv.Itoa(self.index)), nil
	}
	return json.Marshal(self.key)
}

func (self *Segment) UnmarshalJSON(src []byte) error {
	src = bytes.TrimSpace(src)
	if 0 < len(src) && src[0] == '"' {
		var key string
		if err := json.Unmarshal(src, &key); err != nil {
			return err
		}
		*self = Key(key)
		return nil
	}
	// binary codecs carry every number as a float
	f, err := strconv.ParseFloat(string(src), 64)
	if err != nil {
		return fmt.Errorf("invalid path segment %s", src)
	}
	if f != math.Trunc(f) || f < 0 || math.MaxInt32 < f {
		return fmt.Errorf("invalid path index %s", src)
	}
	*self = Index(int(f))
	return nil
}

type Path []Segment

// RequirePath builds a path from string keys and int indexes.
func RequirePath(parts ...any) Path {
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		switch v := part.(type) {
		case string:
			path = append(path, Key(v))
		case int:
			path = append(path, Index(v))
		case Segment:
			path = append(path, v)
		default:
			panic(fmt.Errorf("Path part must be string or int: %T", part))
		}
	}
	return path
}

func (self Path) Equal(other Path) bool {
	if len(self) != len(other) {
		return false
	}
	for i := range self {
		if self[i] != other[i] {
			return false
		}
	}
	return true
}

// json pointer style
func (self Path) String() string {
	parts := make([]string, len(self))
	for i, segment := range self {
		parts[i] = segment.Key()
	}
	return "/" + strings.Join(parts, "/")
}
