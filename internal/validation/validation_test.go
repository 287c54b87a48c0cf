package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Platform string `json:"platform" validate:"required,oneof=facebook dhl"`
	Name     string `json:"name,omitempty" validate:"max=3"`
}

func TestFieldsUseJSONNames(t *testing.T) {
	err := New().Struct(sample{Platform: "fax", Name: "toolong"})
	require.Error(t, err)
	assert.Equal(t, []string{"platform:oneof", "name:max"}, Fields(err))

	assert.NoError(t, New().Struct(sample{Platform: "dhl"}))
	assert.Nil(t, Fields(nil))
}
