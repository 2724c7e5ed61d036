package httpapi

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"branchgate.org/internal/deny"
	"branchgate.org/internal/obs"
)

var errorPage = template.Must(template.New("error").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Status}} {{.Title}}</title></head>
<body>
<main>
<h1>{{.Status}} {{.Title}}</h1>
<p>{{.Message}}</p>
{{if .RequestID}}<p><small>Request {{.RequestID}}</small></p>{{end}}
</main>
</body>
</html>
`))

type errorPageData struct {
	Status    int
	Title     string
	Message   string
	RequestID string
}

// wantsHTML reports a browser navigation: text/html is accepted and preferred
// over JSON. Everything else gets JSON.
func wantsHTML(r *http.Request) bool {
	if r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
		return false
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	html := strings.Index(accept, "text/html")
	if html < 0 {
		return false
	}
	js := strings.Index(accept, "application/json")
	return js < 0 || html < js
}

// fail writes the deny response for err raised at stage. Errors outside the
// taxonomy are logged in full and shown as a generic 500.
func fail(w http.ResponseWriter, r *http.Request, stage string, err error) {
	status, payload := deny.PayloadFor(err)
	kind := deny.KindOf(err)
	rid := RequestIDFromContext(r.Context())

	log := obs.Logger().With(zap.String("request_id", rid), zap.String("stage", stage))
	if kind == deny.KindUnknown {
		log.Error("pipeline stage failed", zap.Error(err))
	} else {
		log.Warn("request denied", zap.String("kind", kind.String()), zap.String("reason", payload.Message))
	}
	obs.CountDenial(stage, kind.String())

	if wantsHTML(r) {
		renderErrorPage(w, status, payload.Message, rid)
		return
	}
	writeJSON(w, status, payload)
}

func renderErrorPage(w http.ResponseWriter, status int, msg, rid string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorPage.Execute(w, errorPageData{
		Status:    status,
		Title:     http.StatusText(status),
		Message:   msg,
		RequestID: rid,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// badRequest answers malformed input that never reached a pipeline decision.
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, deny.Payload{Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
