// Package protocol declares JSON-RPC protocol specifications: named,
// versioned collections of methods with declarative parameter schemas
// that gate request validation at the registry boundary.
package protocol

import (
	"fmt"
	"regexp"

	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

// ParamType is one of the declarative schema types a method parameter
// may take, mirroring the donor's ParameterType enum.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// ParamSchema describes one parameter of a method.
type ParamSchema struct {
	Name     string
	Type     ParamType
	Required bool
	Default  interface{}
	Enum     []string
	Minimum  *float64
	Maximum  *float64
}

// MethodSpec describes one JSON-RPC method of a protocol.
type MethodSpec struct {
	Name          string
	ParamsSchema  []ParamSchema
	ReturnsSchema []ParamSchema
	Description   string
	Examples      []string
}

// Spec is a ProtocolSpec: protocol_id plus its methods.
type Spec struct {
	ProtocolID string
	Methods    map[string]MethodSpec
}

var protocolIDPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]*/v\d+$`)

// Validate checks the protocol_id shape (name/vN) and that every method
// name is non-empty.
func (s Spec) Validate() error {
	if !protocolIDPattern.MatchString(s.ProtocolID) {
		return rpcerr.NewInvalidParams(fmt.Sprintf("protocol id %q must match name/vN", s.ProtocolID))
	}
	for name := range s.Methods {
		if name == "" {
			return rpcerr.NewInvalidParams("method name must not be empty")
		}
	}
	return nil
}

// ValidateParams checks a set of supplied params against a method's
// params_schema: required fields present, types match, enum/min/max
// constraints honored. Unknown extra keys are allowed through.
func (m MethodSpec) ValidateParams(params map[string]interface{}) error {
	for _, schema := range m.ParamsSchema {
		v, present := params[schema.Name]
		if !present {
			if schema.Required {
				return rpcerr.NewInvalidParams(fmt.Sprintf("missing required param %q", schema.Name))
			}
			continue
		}
		if err := schema.validateValue(v); err != nil {
			return err
		}
	}
	return nil
}

func (s ParamSchema) validateValue(v interface{}) error {
	switch s.Type {
	case TypeString:
		sv, ok := v.(string)
		if !ok {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q must be a string", s.Name))
		}
		if len(s.Enum) > 0 && !contains(s.Enum, sv) {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q must be one of %v", s.Name, s.Enum))
		}
	case TypeNumber, TypeInteger:
		f, ok := asFloat(v)
		if !ok {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q must be a number", s.Name))
		}
		if s.Type == TypeInteger && f != float64(int64(f)) {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q must be an integer", s.Name))
		}
		if s.Minimum != nil && f < *s.Minimum {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q below minimum %v", s.Name, *s.Minimum))
		}
		if s.Maximum != nil && f > *s.Maximum {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q above maximum %v", s.Name, *s.Maximum))
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q must be a boolean", s.Name))
		}
	case TypeArray:
		if _, ok := v.([]interface{}); !ok {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q must be an array", s.Name))
		}
	case TypeObject:
		if _, ok := v.(map[string]interface{}); !ok {
			return rpcerr.NewInvalidParams(fmt.Sprintf("param %q must be an object", s.Name))
		}
	}
	return nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
