package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("catalog record not found")
var ErrConflict = errors.New("catalog record conflicts with existing data")
var ErrNotImplemented = errors.New("catalog store method not implemented")

// Scope identifies whose custom models are visible: the authenticated user
// plus the database configuration they are working against.
type Scope struct {
	UserID     string
	DBConfigID string
}

func (s Scope) IsZero() bool {
	return strings.TrimSpace(s.UserID) == "" && strings.TrimSpace(s.DBConfigID) == ""
}

// CustomModel is a user-defined model entry. IDs are store-generated UUIDs;
// rows whose id no longer parses as a UUID are skipped on read rather than
// surfaced.
type CustomModel struct {
	ID             string
	UserID         string
	DBConfigID     string
	Provider       string
	ModelID        string
	DisplayName    string
	ContextWindow  int
	InputUSDPer1M  string
	OutputUSDPer1M string
	Capabilities   []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Metadata projects the stored record into the catalog's model shape.
func (m CustomModel) Metadata() ModelMetadata {
	return ModelMetadata{
		ID:             m.ModelID,
		Provider:       m.Provider,
		DisplayName:    m.DisplayName,
		ContextWindow:  m.ContextWindow,
		InputUSDPer1M:  m.InputUSDPer1M,
		OutputUSDPer1M: m.OutputUSDPer1M,
		Capabilities:   append([]string(nil), m.Capabilities...),
		Custom:         true,
	}
}

// CustomModelStore persists user-defined models.
type CustomModelStore interface {
	ListCustomModels(ctx context.Context, scope Scope) ([]CustomModel, error)
	GetCustomModel(ctx context.Context, scope Scope, id string) (*CustomModel, error)
	CreateCustomModel(ctx context.Context, model CustomModel) (*CustomModel, error)
	UpdateCustomModel(ctx context.Context, scope Scope, id string, model CustomModel) (*CustomModel, error)
	DeleteCustomModel(ctx context.Context, scope Scope, id string) error
}

func newRecordID() string {
	return uuid.NewString()
}

func isValidRecordID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}

func validateCustomModel(model CustomModel) error {
	if !IsKnownProvider(strings.TrimSpace(model.Provider)) {
		return errors.New("custom model provider must be one of openai, anthropic, gemini")
	}
	if strings.TrimSpace(model.ModelID) == "" {
		return errors.New("custom model id is required")
	}
	if strings.TrimSpace(model.DisplayName) == "" {
		return errors.New("custom model display name is required")
	}
	return nil
}

// StaticCustomModelStore holds custom models in memory. It backs tests and
// deployments without a database.
type StaticCustomModelStore struct {
	models []CustomModel
}

var _ CustomModelStore = (*StaticCustomModelStore)(nil)

func NewStaticCustomModelStore(models []CustomModel) *StaticCustomModelStore {
	copied := make([]CustomModel, 0, len(models))
	for _, model := range models {
		item := model
		item.Capabilities = append([]string(nil), model.Capabilities...)
		copied = append(copied, item)
	}
	return &StaticCustomModelStore{models: copied}
}

func (s *StaticCustomModelStore) ListCustomModels(_ context.Context, scope Scope) ([]CustomModel, error) {
	if s == nil || len(s.models) == 0 {
		return nil, nil
	}
	out := make([]CustomModel, 0, len(s.models))
	for _, model := range s.models {
		if !scopeMatches(scope, model.UserID, model.DBConfigID) {
			continue
		}
		if !isValidRecordID(model.ID) {
			continue
		}
		item := model
		item.Capabilities = append([]string(nil), model.Capabilities...)
		out = append(out, item)
	}
	return out, nil
}

func (s *StaticCustomModelStore) GetCustomModel(_ context.Context, scope Scope, id string) (*CustomModel, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	id = strings.TrimSpace(id)
	if !isValidRecordID(id) {
		return nil, ErrNotFound
	}
	for _, model := range s.models {
		if model.ID != id || !scopeMatches(scope, model.UserID, model.DBConfigID) {
			continue
		}
		item := model
		item.Capabilities = append([]string(nil), model.Capabilities...)
		return &item, nil
	}
	return nil, ErrNotFound
}

func (s *StaticCustomModelStore) CreateCustomModel(_ context.Context, _ CustomModel) (*CustomModel, error) {
	return nil, ErrNotImplemented
}

func (s *StaticCustomModelStore) UpdateCustomModel(_ context.Context, _ Scope, _ string, _ CustomModel) (*CustomModel, error) {
	return nil, ErrNotImplemented
}

func (s *StaticCustomModelStore) DeleteCustomModel(_ context.Context, _ Scope, _ string) error {
	return ErrNotImplemented
}

func scopeMatches(scope Scope, userID, dbConfigID string) bool {
	if strings.TrimSpace(scope.UserID) != "" && strings.TrimSpace(userID) != strings.TrimSpace(scope.UserID) {
		return false
	}
	if strings.TrimSpace(scope.DBConfigID) != "" && strings.TrimSpace(dbConfigID) != strings.TrimSpace(scope.DBConfigID) {
		return false
	}
	return true
}
