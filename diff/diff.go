// Package diff computes structural differences between JSON documents as
// JSON Patch (RFC 6902) operations, on top of jsondiff.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/wI2L/jsondiff"
)

// Op is a JSON Patch operation kind.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
	OpMove    Op = "move"
	OpCopy    Op = "copy"
	OpTest    Op = "test"
)

// Operation is a single patch step. Path and From are JSON Pointers.
type Operation struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON always emits "value" for the operations that require it, even
// when the value is null.
func (o Operation) MarshalJSON() ([]byte, error) {
	switch o.Op {
	case OpAdd, OpReplace, OpTest:
		return json.Marshal(struct {
			Op    Op     `json:"op"`
			Path  string `json:"path"`
			Value any    `json:"value"`
		}{o.Op, o.Path, o.Value})
	case OpMove, OpCopy:
		return json.Marshal(struct {
			Op   Op     `json:"op"`
			From string `json:"from"`
			Path string `json:"path"`
		}{o.Op, o.From, o.Path})
	default:
		return json.Marshal(struct {
			Op   Op     `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
}

// Patch is an ordered list of operations.
type Patch []Operation

// String renders the patch as compact JSON.
func (p Patch) String() string {
	if p == nil {
		p = Patch{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("<unprintable patch: %v>", err)
	}
	return string(b)
}

// Compute returns a patch that turns before into after. Both values are first
// normalized through encoding/json, so any JSON-encodable Go value is
// accepted. The patch is correct but not necessarily minimal.
func Compute(before, after any) (Patch, error) {
	a, err := normalize(before)
	if err != nil {
		return nil, fmt.Errorf("before: %w", err)
	}
	b, err := normalize(after)
	if err != nil {
		return nil, fmt.Errorf("after: %w", err)
	}
	ops, err := jsondiff.Compare(a, b)
	if err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}

	p := make(Patch, 0, len(ops))
	for _, op := range ops {
		p = append(p, Operation{
			Op:    Op(op.Type),
			Path:  string(op.Path),
			From:  string(op.From),
			Value: op.Value,
		})
	}
	resolveValues(p, b)
	return p, nil
}

// resolveValues replaces the values of add and replace operations with the
// matching nodes of target, so numbers keep every digit. Appends ("/-") map
// onto the tail of the target array in order.
func resolveValues(p Patch, target any) {
	appends := map[string]int{}
	for _, o := range p {
		if parent, ok := strings.CutSuffix(o.Path, "/-"); ok && o.Op == OpAdd {
			appends[parent]++
		}
	}
	seen := map[string]int{}
	for i, o := range p {
		if o.Op != OpAdd && o.Op != OpReplace {
			continue
		}
		pointer := o.Path
		if parent, ok := strings.CutSuffix(o.Path, "/-"); ok && o.Op == OpAdd {
			arr, ok := lookup(target, parent)
			l, isArr := arr.([]any)
			if !ok || !isArr {
				continue
			}
			pointer = parent + "/" + strconv.Itoa(len(l)-appends[parent]+seen[parent])
			seen[parent]++
		}
		if v, ok := lookup(target, pointer); ok {
			p[i].Value = v
		}
	}
}

// normalize converts v to the generic encoding/json form with json.Number
// for numbers.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

var unescaper = strings.NewReplacer("~1", "/", "~0", "~")

// lookup resolves a JSON Pointer in a normalized document.
func lookup(doc any, pointer string) (any, bool) {
	if pointer == "" {
		return doc, true
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, false
	}
	cur := doc
	for _, tok := range strings.Split(pointer[1:], "/") {
		tok = unescaper.Replace(tok)
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
