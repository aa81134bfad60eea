package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "graphcollab/pkg/errors"
)

type relationInput struct {
	ToID     string `json:"toId" validate:"required"`
	FromRole string `json:"fromRole" validate:"required"`
}

func TestValidateStruct(t *testing.T) {
	err := ValidateStruct(relationInput{FromRole: "so"})

	assert.True(t, apperrors.IsValidation(err))
	assert.Contains(t, err.Error(), "toId is required")
	assert.NoError(t, ValidateStruct(relationInput{ToID: "M1", FromRole: "so"}))
}

func TestValidateVar(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		value   interface{}
		tag     string
		wantErr string
	}{
		{"required present", "name", "Report", "required", ""},
		{"required missing", "name", "", "required", "name is required"},
		{"date ok", "published", "2024-01-02T10:00:00Z", "required,datetime=" + RFC3339Layout, ""},
		{"date bad", "published", "yesterday", "required,datetime=" + RFC3339Layout, "published must be a date"},
		{"wrong type", "published", 42, "datetime=" + RFC3339Layout, "published is invalid"},
		{"no rule", "description", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVar(tt.field, tt.value, tt.tag)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
