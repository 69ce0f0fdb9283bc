package docs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAPIJSON(t *testing.T) {
	raw, err := OpenAPIJSON()
	require.NoError(t, err)

	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "3.0.3", doc.OpenAPI)
	require.Contains(t, doc.Paths, "/api/v1/documents")
	require.Contains(t, doc.Paths["/api/v1/commits/{id}/diff"], "get")
	require.Contains(t, doc.Paths, "/share/{id}")
}
