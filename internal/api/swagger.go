package api

import (
	"net/http"
	"os"
	"strings"
)

// SpecHandler serves the OpenAPI YAML spec at path with runtime placeholders
// replaced. The file on disk contains {oktaIssuer} so it does not need to know
// the actual issuer URL.
func SpecHandler(path, oktaIssuer string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile(path)
		if err != nil {
			http.Error(w, "failed to load openapi document", http.StatusInternalServerError)
			return
		}
		spec := strings.ReplaceAll(string(data), "{oktaIssuer}", oktaIssuer)
		w.Header().Set("Content-Type", "application/yaml")
		w.Write([]byte(spec))
	}
}

// SwaggerHandler serves a Swagger UI page that points at /openapi.yaml and
// is configured to authorize against the same issuer as the application.
func SwaggerHandler(oktaDomain, clientID string, scopes []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// r.URL.Scheme is only populated behind some proxies.
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		}
		oauth2Redirect := scheme + "://" + r.Host + "/docs/oauth2-redirect.html"

		html := strings.ReplaceAll(swaggerHTML, "${SPEC_URL}", "/openapi.yaml")
		html = strings.ReplaceAll(html, "${OAUTH2_REDIRECT}", oauth2Redirect)
		html = strings.ReplaceAll(html, "${OKTA_DOMAIN}", oktaDomain)
		html = strings.ReplaceAll(html, "${CLIENT_ID}", clientID)
		html = strings.ReplaceAll(html, "${SCOPES}", strings.Join(scopes, " "))
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(html))
	}
}

// OAuthRedirectHandler serves the OAuth2 redirect page used by Swagger UI
func OAuthRedirectHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(oauthRedirectHTML))
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>InTelTrace API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    const ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
      oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
    });
    window.ui = ui;
    window.oktaIssuer = "${OKTA_DOMAIN}";

    ui.initOAuth({
      clientId: "${CLIENT_ID}",
      scopes: "${SCOPES}",
      usePkceWithAuthorizationCodeGrant: true,
    });
  }
  </script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`
