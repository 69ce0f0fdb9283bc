package service

import (
	"net/http"
	"strings"

	apidocs "github.com/onexay/docvs/docs"
)

const swaggerPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>docvs API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = () => SwaggerUIBundle({ url: '/swagger/openapi.json', dom_id: '#swagger-ui' });
  </script>
</body>
</html>`

// handleSwagger serves the UI plus the API description in YAML and JSON.
// It sits in front of the identity check.
func (s *Service) handleSwagger(w http.ResponseWriter, r *http.Request, tail string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	switch strings.Trim(tail, "/") {
	case "", "index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(swaggerPage))
	case "openapi.yaml":
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(apidocs.OpenAPI)
	case "openapi.json":
		doc, err := apidocs.OpenAPIJSON()
		if err != nil {
			s.logger.Error("render openapi", "error", err)
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}
