// Package httpapi implements the §4.9 List/Watch HTTP adapter: a single
// parameterized handler that serves a one-shot list, a chunked
// server-sent-JSON-lines stream, or a WebSocket stream of Event[T] frames,
// depending on what the incoming request asks for.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/crochee/cim/internal/apierr"
	"github.com/crochee/cim/storage"
	"github.com/crochee/cim/watch"
)

// Lister fetches a page matching opts, mirroring one of storage.Storage's
// ListX methods.
type Lister[T any] func(r *http.Request, opts storage.ListOptions) (storage.List[T], error)

// Watcher registers handler on the entity kind's watch hub, mirroring one
// of storage.Storage's WatchX methods.
type Watcher[T any] func(since int64, handler watch.Handler[T], onDrop func()) watch.Guard

// fieldParams maps the query parameter names callers commonly filter watch
// streams on to the Go struct field they address (see §4.9: "filter each
// event by equality of the list-params fields (e.g. id, account_id)").
var fieldParams = []string{"id", "account_id", "group_id", "user_id", "role_id", "policy_id", "connector_id", "client_id"}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ListWatch wires a Lister and a Watcher for one entity kind into the three
// modes of §4.9: WebSocket upgrade, `?watch=true` chunked JSON lines, or a
// plain one-shot list response.
type ListWatch[T any] struct {
	List   Lister[T]
	Watch  Watcher[T]
	Logger *slog.Logger
}

func (lw *ListWatch[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		lw.serveWebSocket(w, r)
		return
	}
	if r.URL.Query().Get("watch") == "true" || r.URL.Query().Get("watch") == "1" {
		lw.serveChunked(w, r)
		return
	}
	lw.serveList(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func parseListOptions(r *http.Request) storage.ListOptions {
	q := r.URL.Query()
	opts := storage.ListOptions{AccountID: q.Get("account_id")}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	return opts
}

func parseSince(r *http.Request) int64 {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (lw *ListWatch[T]) serveList(w http.ResponseWriter, r *http.Request) {
	list, err := lw.List(r, parseListOptions(r))
	if err != nil {
		apierr.WriteError(w, MapStorageError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// eventFilter builds a predicate over Event[T] from the list-params present
// on the request, by comparing exported struct fields addressed by
// fieldParams via reflection. A request with no recognized params matches
// everything.
func eventFilter[T any](r *http.Request) func(watch.Event[T]) bool {
	q := r.URL.Query()
	type want struct {
		field string
		value string
	}
	var wants []want
	for _, p := range fieldParams {
		if v := q.Get(p); v != "" {
			wants = append(wants, want{field: toFieldName(p), value: v})
		}
	}
	if len(wants) == 0 {
		return func(watch.Event[T]) bool { return true }
	}
	return func(ev watch.Event[T]) bool {
		rv := reflect.ValueOf(ev.Object)
		for _, want := range wants {
			fv := rv.FieldByName(want.field)
			if !fv.IsValid() || fv.Kind() != reflect.String {
				continue
			}
			if fv.String() != want.value {
				return false
			}
		}
		return true
	}
}

// toFieldName converts a snake_case query parameter into the exported Go
// field name it addresses, e.g. "account_id" -> "AccountID", "id" -> "ID".
func toFieldName(param string) string {
	if param == "id" {
		return "ID"
	}
	parts := strings.Split(param, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "id" {
			b.WriteString("ID")
			continue
		}
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// serveChunked implements the `?watch=true` mode: one JSON object per line,
// flushed as soon as it's written, until the client disconnects or the
// watcher is dropped.
func (lw *ListWatch[T]) serveChunked(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteError(w, apierr.New(apierr.KindAny, "no_flush", "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	filter := eventFilter[T](r)
	ch := make(chan watch.Event[T], 32)
	done := make(chan struct{})

	guard := lw.Watch(parseSince(r), func(ev watch.Event[T]) bool {
		if !filter(ev) {
			return true
		}
		select {
		case ch <- ev:
		default:
			// slow consumer: drop rather than block the hub, per §4.1.
		}
		return true
	}, func() { close(done) })
	defer guard.Close()

	enc := json.NewEncoder(w)
	for {
		select {
		case ev := <-ch:
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// serveWebSocket implements the WebSocket upgrade mode: every matching
// event is sent as a binary (JSON-encoded) frame.
func (lw *ListWatch[T]) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if lw.Logger != nil {
			lw.Logger.Error("httpapi: websocket upgrade failed", "err", err)
		}
		return
	}
	defer conn.Close()

	filter := eventFilter[T](r)
	ch := make(chan watch.Event[T], 32)
	done := make(chan struct{})
	closed := false

	guard := lw.Watch(parseSince(r), func(ev watch.Event[T]) bool {
		if !filter(ev) {
			return true
		}
		select {
		case ch <- ev:
		default:
		}
		return true
	}, func() {
		if !closed {
			closed = true
			close(done)
		}
	})
	defer guard.Close()

	// Drain client-initiated close frames on a background goroutine so the
	// connection's read deadline is honored; this handler only writes.
	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-done:
			return
		case <-clientClosed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// MapStorageError converts a storage-layer error into the typed
// apierr.Error the §7 envelope is rendered from. Errors that are already
// typed pass through unchanged.
func MapStorageError(err error) error {
	switch err {
	case storage.ErrNotFound:
		return apierr.NotFound("not_found", "not found")
	case storage.ErrForbidden:
		return apierr.Forbidden("forbidden", "forbidden")
	default:
		if apiErr, ok := err.(*apierr.Error); ok {
			return apiErr
		}
		return apierr.New(apierr.KindAny, "internal", err.Error())
	}
}
