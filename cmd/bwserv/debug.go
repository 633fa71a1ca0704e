package main

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	bwnet "badc0de.net/pkg/go-bigworld/net"
	"badc0de.net/pkg/go-bigworld/web"
)

// debugRouter serves endpoint state under /debug/, next to the pages
// golang.org/x/net/trace registers on http.DefaultServeMux.
func debugRouter(src web.Source, table *bwnet.SchemaTable, names map[uint8]string) http.Handler {
	r := mux.NewRouter()
	r.Handle("/debug/requests", http.DefaultServeMux)
	r.Handle("/debug/events", http.DefaultServeMux)
	r.HandleFunc("/debug/minimetrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "runtime.NumGoroutine(): %d\n", runtime.NumGoroutine())
	})
	web.NewHandler(src, table, names).RegisterRoutes(r.PathPrefix("/debug").Subrouter())
	return handlers.LoggingHandler(os.Stderr, r)
}
