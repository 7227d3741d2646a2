package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelhub/internal/types"
)

type createAccountBody struct {
	Label   string  `json:"label" validate:"required,max=64"`
	TotalGB int64   `json:"total_gb" validate:"min=0"`
	NodeIDs []int64 `json:"node_ids" validate:"omitempty,dive,gt=0"`
	Ignored string  `json:"-"`
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator(testLogger())

	require.NoError(t, v.ValidateStruct(createAccountBody{Label: "alice", TotalGB: 10}))

	err := v.ValidateStruct(createAccountBody{TotalGB: -1})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
	assert.Equal(t, "required", appErr.Details["label"])
	assert.Equal(t, "min=0", appErr.Details["total_gb"])

	err = v.ValidateStruct(createAccountBody{Label: "bob", NodeIDs: []int64{1, 0}})
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeValidationInvalidInput, appErr.Code)
	assert.Equal(t, "gt=0", appErr.Details["node_ids[1]"])
}

func TestValidateStruct_NonStructIsInternal(t *testing.T) {
	v := NewValidator(nil)
	assert.Equal(t, types.ErrCodeInternalUnexpected, types.CodeOf(v.ValidateStruct(42)))
}
