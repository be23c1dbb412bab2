package jobs

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openfroyo/flightdeck/pkg/engine"
)

// Caller identifies the user a job runs on behalf of.
type Caller struct {
	SubjectID string `validate:"required"`
	Email     string `validate:"omitempty,email"`
}

// SubmitRequest describes a job to launch.
type SubmitRequest struct {
	JobID         string
	FlightType    string `validate:"required"`
	Description   string
	Caller        Caller
	OperationType OperationType `validate:"required,oneof=CREATE UPDATE DELETE CLONE"`
	WorkspaceID   string
	ResourceID    string
	ResourceType  string
	ResourceName  string
	CloudPlatform string
	ResultPath    string

	// Inputs holds flight-specific parameters. Well-known keys already set
	// here win over the request fields above, except the caller identity,
	// which always comes from Caller.
	Inputs *engine.FlightMap
}

// NewJobID generates a job id for callers that did not supply one.
func NewJobID() string {
	return uuid.NewString()
}

var validate = validator.New()

// check rejects requests the service cannot submit.
func (r *SubmitRequest) check() error {
	if strings.TrimSpace(r.JobID) == "" {
		return ErrInvalidJobID
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// inputs builds the flight input map, stamping the well-known parameters.
func (r *SubmitRequest) inputs() (*engine.FlightMap, error) {
	m := r.Inputs.Clone()

	identity := []struct {
		key   engine.Key[string]
		value string
	}{
		{KeySubjectID, r.Caller.SubjectID},
		{KeyUserEmail, r.Caller.Email},
	}
	for _, s := range identity {
		m.Remove(s.key.Name())
		if s.value == "" {
			continue
		}
		if err := s.key.Set(m, s.value); err != nil {
			return nil, err
		}
	}

	defaults := []struct {
		key   engine.Key[string]
		value string
	}{
		{KeyDescription, r.Description},
		{KeyWorkspaceID, r.WorkspaceID},
		{KeyResourceID, r.ResourceID},
		{KeyResourceType, r.ResourceType},
		{KeyResourceName, r.ResourceName},
		{KeyCloudPlatform, r.CloudPlatform},
		{KeyResultPath, r.ResultPath},
	}
	for _, s := range defaults {
		if s.value == "" || m.Has(s.key.Name()) {
			continue
		}
		if err := s.key.Set(m, s.value); err != nil {
			return nil, err
		}
	}

	if !m.Has(KeyOperationType.Name()) {
		if err := KeyOperationType.Set(m, r.OperationType); err != nil {
			return nil, err
		}
	}
	return m, nil
}
