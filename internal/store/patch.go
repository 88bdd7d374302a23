package store

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/bisectbot/bisectbot/internal/types"
)

// Fields a patch may touch. Everything else on a job is immutable after
// creation.
var patchableFields = map[string]bool{
	"current":         true,
	"last":            true,
	"history":         true,
	"bot_client_data": true,
}

// applyPatch evaluates the operation sequence against a working copy of the
// job and returns the patched job, leaving the original untouched. The
// caller holds the entry lock, so the copy swap is atomic with the token
// check.
func applyPatch(job *types.Job, ops []types.PatchOperation) (*types.Job, error) {
	doc, err := jobDoc(job)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		if err := applyOp(doc, op); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	patched := new(types.Job)
	if err := json.Unmarshal(raw, patched); err != nil {
		return nil, &PatchError{Path: "", Reason: "patched document no longer forms a job"}
	}

	if err := checkPatched(job, patched); err != nil {
		return nil, err
	}
	return patched, nil
}

func applyOp(doc map[string]any, op types.PatchOperation) error {
	segments := splitPointer(op.Path)
	if segments == nil {
		return &PatchError{Path: op.Path, Reason: "not a valid pointer"}
	}

	if !patchableFields[segments[0]] {
		return &PatchError{Path: op.Path, Reason: "field is not patchable"}
	}

	// History is strictly append-only: the only legal operation is pushing
	// one result onto its end.
	if segments[0] == "history" {
		if op.Op != types.PatchOpAdd || len(segments) != 2 || segments[1] != "-" {
			return &PatchError{Path: op.Path, Reason: "history only accepts add at /history/-"}
		}
		return appendHistory(doc, op.Value)
	}

	switch op.Op {
	case types.PatchOpAdd, types.PatchOpReplace:
		if op.Value == nil {
			return &PatchError{Path: op.Path, Reason: "missing value"}
		}
		var value any
		if err := json.Unmarshal(op.Value, &value); err != nil {
			return &PatchError{Path: op.Path, Reason: "value is not valid JSON"}
		}
		return setPath(doc, segments, value, op.Op == types.PatchOpReplace, op.Path)
	case types.PatchOpRemove:
		return removePath(doc, segments, op.Path)
	}

	return &PatchError{Path: op.Path, Reason: "unknown op"}
}

func appendHistory(doc map[string]any, raw json.RawMessage) error {
	if raw == nil {
		return &PatchError{Path: "/history/-", Reason: "missing value"}
	}
	var result types.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return &PatchError{Path: "/history/-", Reason: "value is not a result"}
	}

	history, _ := doc["history"].([]any)
	var value any
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resultRaw, &value); err != nil {
		return err
	}
	doc["history"] = append(history, value)
	return nil
}

// splitPointer turns "/current/runner" into ["current", "runner"].
// Returns nil for anything that is not a non-empty absolute pointer.
func splitPointer(path string) []string {
	if !strings.HasPrefix(path, "/") || path == "/" {
		return nil
	}
	segments := strings.Split(path[1:], "/")
	for _, s := range segments {
		if s == "" {
			return nil
		}
	}
	return segments
}

func setPath(doc map[string]any, segments []string, value any, mustExist bool, path string) error {
	parent := doc
	for _, s := range segments[:len(segments)-1] {
		child, ok := parent[s]
		if !ok || child == nil {
			return &PatchError{Path: path, Reason: "parent path does not exist"}
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return &PatchError{Path: path, Reason: "parent path is not an object"}
		}
		parent = childMap
	}

	leaf := segments[len(segments)-1]
	if _, ok := parent[leaf]; mustExist && !ok {
		return &PatchError{Path: path, Reason: "replace target does not exist"}
	}
	parent[leaf] = value
	return nil
}

func removePath(doc map[string]any, segments []string, path string) error {
	parent := doc
	for _, s := range segments[:len(segments)-1] {
		child, ok := parent[s].(map[string]any)
		if !ok {
			return &PatchError{Path: path, Reason: "parent path does not exist"}
		}
		parent = child
	}

	leaf := segments[len(segments)-1]
	if _, ok := parent[leaf]; !ok {
		return &PatchError{Path: path, Reason: "remove target does not exist"}
	}
	delete(parent, leaf)
	return nil
}

// checkPatched enforces the store's structural invariants on the result of
// a patch, independent of what the operation sequence looked like.
func checkPatched(before, after *types.Job) error {
	if len(after.History) < len(before.History) {
		return &PatchError{Path: "/history", Reason: "history may only grow"}
	}
	for _, r := range after.History {
		if !r.Status.Known() {
			return &PatchError{Path: "/history", Reason: "unknown result status"}
		}
	}
	if after.Last != nil && !after.Last.Status.Known() {
		return &PatchError{Path: "/last", Reason: "unknown result status"}
	}
	// last mirrors the newest history entry. A patch that moves one without
	// the other leaves readers of either field disagreeing about the outcome.
	if after.Last != nil || len(after.History) > 0 {
		if after.Last == nil || len(after.History) == 0 ||
			!reflect.DeepEqual(*after.Last, after.History[len(after.History)-1]) {
			return &PatchError{Path: "/last", Reason: "last must mirror the newest history entry"}
		}
	}
	if after.Current != nil {
		if after.Current.Runner == "" {
			return &PatchError{Path: "/current", Reason: "claim requires a runner id"}
		}
		// Terminal jobs are single-shot. A new claim never lands on a job
		// that already carries a result.
		if after.Last != nil && before.Current == nil {
			return &PatchError{Path: "/current", Reason: "job is terminal"}
		}
	}
	return nil
}
