// Package jsonpatch applies RFC 6902 patches and field overlays to JSON
// documents.
package jsonpatch

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	jp "github.com/evanphx/json-patch/v5"
)

type PatchError struct {
	msg string
}

func (p *PatchError) Error() string {
	return p.msg
}

type Patch = jp.Patch

var opts = jp.ApplyOptions{
	EnsurePathExistsOnAdd:    true, // will create paths
	AllowMissingPathOnRemove: true,
}

func DecodePatch(s string) (Patch, error) {
	return jp.DecodePatch([]byte(s))
}

func Apply(p Patch, doc json.RawMessage) (json.RawMessage, error) {
	// We only support add/remove/replace
	for _, op := range p {
		switch op.Kind() {
		case "replace", "remove", "add": // OK
		default:
			return nil, &PatchError{fmt.Sprintf("unsupported patch operation %q, must be one of \"replace\", \"add\", \"remove\"", op.Kind())}
		}
	}
	return p.ApplyWithOptions(doc, &opts)
}

// Overlay sets the given top-level string fields on doc, which must be a JSON
// object. An empty doc is treated as {}.
func Overlay(doc json.RawMessage, fields map[string]string) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(doc))) == 0 {
		doc = json.RawMessage(`{}`)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil || obj == nil {
		return nil, &PatchError{"document is not a JSON object"}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	ops := make([]map[string]any, 0, len(names))
	for _, name := range names {
		ops = append(ops, map[string]any{
			"op":    "add",
			"path":  "/" + escape(name),
			"value": fields[name],
		})
	}

	bs, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}

	p, err := DecodePatch(string(bs))
	if err != nil {
		return nil, err
	}

	return Apply(p, doc)
}

// escape encodes a field name as a JSON pointer reference token.
func escape(name string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(name)
}
