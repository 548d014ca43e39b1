// Package status serves the human-facing status page of the daemon: a
// version banner, the short in-memory log inline and the detailed log as a
// gzip download behind a CSRF-protected form.
package status

import (
	"html/template"
	"net/http"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"

	"github.com/umpbridge/umpd-go/memorywriter"
)

const csrfKey = "x1k7qh25fw9jv3tzel08cmr46ubgdn5a"

type handler struct {
	short   *memorywriter.MemoryWriter
	long    *memorywriter.MemoryWriter
	version string
}

// ServeStatus mounts the status page routes on r.
func ServeStatus(r *mux.Router, short, long *memorywriter.MemoryWriter, version string) {
	h := &handler{short: short, long: long, version: version}
	r.HandleFunc("", h.Page).Methods("GET")
	r.HandleFunc("/", h.Page).Methods("GET")
	r.HandleFunc("/log.gz", h.DetailedLog).Methods("POST")
	r.Use(csrf.Protect([]byte(csrfKey), csrf.Secure(false)))
}

var pageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>umpd status</title></head>
<body>
<h1>umpd {{.Version}}</h1>
<form action="/status/log.gz" method="POST">
  {{.CSRFField}}
  <input type="submit" value="Download detailed log"/>
</form>
<h2>Recent log</h2>
<pre>{{.ShortLog}}</pre>
</body>
</html>
`))

func (h *handler) Page(w http.ResponseWriter, r *http.Request) {
	shortLog, err := h.short.String("")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := struct {
		Version   string
		ShortLog  string
		CSRFField template.HTML
	}{
		Version:   h.version,
		ShortLog:  shortLog,
		CSRFField: csrf.TemplateField(r),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *handler) DetailedLog(w http.ResponseWriter, r *http.Request) {
	gz, err := h.long.Gzip("umpd version " + h.version + "\n")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="umpd-log.gz"`)
	if _, err := w.Write(gz); err != nil {
		return
	}
}
