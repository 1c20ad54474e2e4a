package txn

import (
	"encoding/json"
	"fmt"
)

// Method is the closed set of operations the coordinator dispatches.
// Callers on the other side of the RPC boundary name operations with
// these strings; anything else is a HANDLER_NOT_FOUND.
type Method string

const (
	MethodCreateTag             Method = "createTag"
	MethodFindTagByName         Method = "findTagByName"
	MethodCreateTagAndAddToPage Method = "createTagAndAddToPage"
	MethodBindTags              Method = "bindTags"
	MethodUnbindTags            Method = "unbindTags"
	MethodAddTagToPage          Method = "addTagToPage"
	MethodRemoveTagFromPage     Method = "removeTagFromPage"
	MethodDeleteTag             Method = "deleteTag"
	MethodRenameTag             Method = "renameTag"
	MethodCleanupUnusedTags     Method = "cleanupUnusedTags"
	MethodCreateOrUpdatePage    Method = "createOrUpdatePage"
	MethodUpdatePageTitle       Method = "updatePageTitle"
	MethodGetTaggedPages        Method = "getTaggedPages"
	MethodGetTagUsageCounts     Method = "getAllTagUsageCounts"
	MethodGetTagByID            Method = "getTagById"
	MethodGetAllTags            Method = "getAllTags"
	MethodGetAllPages           Method = "getAllPages"
	MethodGetDataStats          Method = "getDataStats"
	MethodExportData            Method = "exportData"
	MethodImportData            Method = "importData"
	MethodClearAllData          Method = "clearAllData"
)

// Error codes carried on failed responses.
const (
	CodeHandlerNotFound  = "HANDLER_NOT_FOUND"
	CodeValidationError  = "VALIDATION_ERROR"
	CodePersistenceError = "PERSISTENCE_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Request is one named operation with positional JSON arguments.
type Request struct {
	ID     string            `json:"id"`
	Method Method            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// Error is the structured failure attached to a response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response pairs the request id with either a result or an error.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Err    *Error `json:"error,omitempty"`
}

// decodeArgs unmarshals positional arguments into the given destinations.
// Missing trailing arguments leave their destinations at zero values, so
// optional parameters can simply be omitted by the caller.
func decodeArgs(args []json.RawMessage, dests ...any) error {
	if len(args) > len(dests) {
		return fmt.Errorf("too many arguments: got %d, want at most %d", len(args), len(dests))
	}
	for i, raw := range args {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dests[i]); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}
