package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustDescriptor(name string) *Descriptor {
	return &Descriptor{
		Name:       name,
		FunctionID: "fn_" + name,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"query"},
		},
	}
}

func TestNewRejectsDuplicateNames(t *testing.T) {
	_, err := New([]*Descriptor{mustDescriptor("search"), mustDescriptor("search")})
	require.Error(t, err)
}

func TestNewRejectsMissingFunctionID(t *testing.T) {
	d := mustDescriptor("search")
	d.FunctionID = ""
	_, err := New([]*Descriptor{d})
	require.Error(t, err)
}

func TestLookupAndListAll(t *testing.T) {
	r, err := New([]*Descriptor{mustDescriptor("search"), mustDescriptor("weather")})
	require.NoError(t, err)

	d, err := r.Lookup("search")
	require.NoError(t, err)
	require.Equal(t, "fn_search", d.FunctionID)
	require.NotNil(t, d.Schema())

	_, err = r.Lookup("missing")
	require.Error(t, err)

	all := r.ListAll()
	require.Len(t, all, 2)
	require.Equal(t, "search", all[0].Name)
	require.Equal(t, "weather", all[1].Name)
}

func TestSchemaValidatesParameters(t *testing.T) {
	r, err := New([]*Descriptor{mustDescriptor("search")})
	require.NoError(t, err)
	d, err := r.Lookup("search")
	require.NoError(t, err)

	require.NoError(t, d.Schema().Validate(map[string]interface{}{"query": "hello"}))
	require.Error(t, d.Schema().Validate(map[string]interface{}{}))
}

func TestWithoutToolStripsRecursiveTool(t *testing.T) {
	r, err := New([]*Descriptor{mustDescriptor("search"), mustDescriptor("sub_agent")})
	require.NoError(t, err)

	stripped := r.WithoutTool("sub_agent")
	_, err = stripped.Lookup("sub_agent")
	require.Error(t, err)
	_, err = stripped.Lookup("search")
	require.NoError(t, err)

	// original registry is untouched
	_, err = r.Lookup("sub_agent")
	require.NoError(t, err)
}
