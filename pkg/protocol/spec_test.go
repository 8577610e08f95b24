package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProtocolID(t *testing.T) {
	require.NoError(t, Spec{ProtocolID: "math/v1", Methods: map[string]MethodSpec{}}.Validate())
	assert.Error(t, Spec{ProtocolID: "math", Methods: map[string]MethodSpec{}}.Validate())
	assert.Error(t, Spec{ProtocolID: "math/1", Methods: map[string]MethodSpec{}}.Validate())
}

func TestValidateParamsRequired(t *testing.T) {
	m := MethodSpec{
		Name: "add",
		ParamsSchema: []ParamSchema{
			{Name: "a", Type: TypeNumber, Required: true},
			{Name: "b", Type: TypeNumber, Required: false},
		},
	}
	require.NoError(t, m.ValidateParams(map[string]interface{}{"a": 1.0}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"b": 1.0}))
}

func TestValidateParamsTypes(t *testing.T) {
	m := MethodSpec{
		ParamsSchema: []ParamSchema{
			{Name: "text", Type: TypeString},
			{Name: "count", Type: TypeInteger},
			{Name: "flag", Type: TypeBoolean},
			{Name: "items", Type: TypeArray},
			{Name: "obj", Type: TypeObject},
		},
	}
	require.NoError(t, m.ValidateParams(map[string]interface{}{
		"text": "hi", "count": 3.0, "flag": true,
		"items": []interface{}{1, 2}, "obj": map[string]interface{}{"x": 1},
	}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"text": 5}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"count": 3.5}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"flag": "yes"}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"items": "not-array"}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"obj": "not-object"}))
}

func TestValidateParamsEnumAndRange(t *testing.T) {
	min := 0.0
	max := 10.0
	m := MethodSpec{
		ParamsSchema: []ParamSchema{
			{Name: "level", Type: TypeString, Enum: []string{"low", "high"}},
			{Name: "n", Type: TypeNumber, Minimum: &min, Maximum: &max},
		},
	}
	require.NoError(t, m.ValidateParams(map[string]interface{}{"level": "low", "n": 5.0}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"level": "medium"}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"n": 11.0}))
	assert.Error(t, m.ValidateParams(map[string]interface{}{"n": -1.0}))
}
