package types

import "encoding/json"

type PatchOp string

const (
	PatchOpAdd     PatchOp = "add"
	PatchOpReplace PatchOp = "replace"
	PatchOpRemove  PatchOp = "remove"
)

// PatchOperation is one field-level mutation in an ETag guarded patch
// request. Paths are JSON pointer style ("/current", "/history/-").
type PatchOperation struct {
	Op    PatchOp         `json:"op"              validate:"required,oneof=add replace remove"`
	Path  string          `json:"path"            validate:"required"`
	Value json.RawMessage `json:"value,omitempty"`
}
