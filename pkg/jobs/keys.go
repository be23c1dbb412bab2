package jobs

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openfroyo/flightdeck/pkg/engine"
)

// OperationType is the user-visible operation a job performs.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
	OperationClone  OperationType = "CLONE"
)

// Valid reports whether the operation type is known.
func (o OperationType) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationClone:
		return true
	}
	return false
}

// Well-known input parameters stamped on every job.
var (
	KeyDescription   = engine.NewKey[string]("description")
	KeySubjectID     = engine.NewKey[string]("subject_id")
	KeyUserEmail     = engine.NewKey[string]("user_email")
	KeyOperationType = engine.NewKey[OperationType]("operation_type")
	KeyWorkspaceID   = engine.NewKey[string]("workspace_id")
	KeyResourceID    = engine.NewKey[string]("resource_id")
	KeyResourceType  = engine.NewKey[string]("resource_type")
	KeyResourceName  = engine.NewKey[string]("resource_name")
	KeyCloudPlatform = engine.NewKey[string]("cloud_platform")
	KeyResultPath    = engine.NewKey[string]("result_path")
)

// Working map keys forming the job result.
var (
	KeyResponse   = engine.NewKey[json.RawMessage]("response")
	KeyStatusCode = engine.NewKey[int]("status_code")
)

// SetResponse stores the job's response payload and status code.
func SetResponse(wm *engine.WorkingMap, v any, statusCode int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := KeyResponse.Put(wm, data); err != nil {
		return err
	}
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	return KeyStatusCode.Put(wm, statusCode)
}
