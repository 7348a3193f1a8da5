package jsonpatch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOverlay(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		fields map[string]string
		exp    string
		err    bool
	}{
		{
			name:   "empty document",
			doc:    "",
			fields: map[string]string{"content": "# A", "task_name": "A"},
			exp:    `{"content": "# A", "task_name": "A"}`,
		},
		{
			name:   "overrides existing",
			doc:    `{"content": "old", "title": "Contest", "style": {"font": "serif"}}`,
			fields: map[string]string{"content": "new"},
			exp:    `{"content": "new", "title": "Contest", "style": {"font": "serif"}}`,
		},
		{
			name:   "pointer characters",
			doc:    `{}`,
			fields: map[string]string{"a/b": "1", "c~d": "2"},
			exp:    `{"a/b": "1", "c~d": "2"}`,
		},
		{
			name:   "array",
			doc:    `[1, 2]`,
			fields: map[string]string{"content": "x"},
			err:    true,
		},
		{
			name:   "null",
			doc:    `null`,
			fields: map[string]string{"content": "x"},
			err:    true,
		},
		{
			name: "malformed",
			doc:  `{"content": `,
			err:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			act, err := Overlay(json.RawMessage(tc.doc), tc.fields)
			if tc.err {
				var pe *PatchError
				if !errors.As(err, &pe) {
					t.Fatalf("expected patch error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			var exp, got any
			if err := json.Unmarshal([]byte(tc.exp), &exp); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal(act, &got); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(exp, got); diff != "" {
				t.Fatal("unexpected document (-want,+got)", diff)
			}
		})
	}
}

func TestApplyUnsupportedOperation(t *testing.T) {
	p, err := DecodePatch(`[{"op": "test", "path": "/a", "value": 1}]`)
	if err != nil {
		t.Fatal(err)
	}

	_, err = Apply(p, json.RawMessage(`{"a": 1}`))
	var pe *PatchError
	if !errors.As(err, &pe) {
		t.Fatalf("expected patch error, got %v", err)
	}
}
