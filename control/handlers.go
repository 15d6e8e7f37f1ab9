package control

import (
	"context"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/clsplane/clsplane/control/auth"
	"github.com/clsplane/clsplane/internal/nlog"
	"github.com/clsplane/clsplane/internal/xerrors"
)

// RegisterHandlers wires Plane's commands onto mux at the routes
// SPEC_FULL.md §6 names: POST /v1/tc/{new,del,get}{filter,chain} and
// GET /v1/tc/dump/{filter,chain}. The handlers do not check the request
// method; every route reads its Request from the body.
func RegisterHandlers(mux *http.ServeMux, p *Plane) {
	mux.HandleFunc("/v1/tc/newfilter", wrap(p, p.NewFilter))
	mux.HandleFunc("/v1/tc/delfilter", wrap(p, p.DelFilter))
	mux.HandleFunc("/v1/tc/getfilter", wrap(p, p.GetFilter))
	mux.HandleFunc("/v1/tc/newchain", wrap(p, p.NewChain))
	mux.HandleFunc("/v1/tc/delchain", wrap(p, p.DelChain))
	mux.HandleFunc("/v1/tc/getchain", wrap(p, p.GetChain))
	mux.HandleFunc("/v1/tc/dump/filter", dumpFilterHandler(p))
	mux.HandleFunc("/v1/tc/dump/chain", dumpChainHandler(p))
}

func wrap(p *Plane, fn func(context.Context, Request) (Response, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeErr(w, xerrors.Invalid("could not read request body"))
			return
		}
		var req Request
		if err := jsoniter.Unmarshal(body, &req); err != nil {
			writeErr(w, xerrors.Invalid("malformed request: "+err.Error()))
			return
		}

		if tok := r.Header.Get("Authorization"); tok != "" {
			r = r.WithContext(auth.WithToken(r.Context(), tok))
		}

		resp, err := fn(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, _ := jsoniter.Marshal(v)
	_, _ = w.Write(b)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case xerrors.Is(err, xerrors.PermissionKind):
		status = http.StatusForbidden
	case xerrors.Is(err, xerrors.NotFoundKind):
		status = http.StatusNotFound
	case xerrors.Is(err, xerrors.ExistsKind):
		status = http.StatusConflict
	case xerrors.Is(err, xerrors.InvalidKind):
		status = http.StatusBadRequest
	case xerrors.Is(err, xerrors.NotSupportedKind):
		status = http.StatusNotImplemented
	case xerrors.Is(err, xerrors.MessageTooBigKind):
		status = http.StatusRequestEntityTooLarge
	}
	nlog.Warnf("control: %v", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func dumpFilterHandler(p *Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeErr(w, xerrors.Invalid("could not read request body"))
			return
		}
		var req Request
		if err := jsoniter.Unmarshal(body, &req); err != nil {
			writeErr(w, xerrors.Invalid("malformed request: "+err.Error()))
			return
		}
		page, err := p.DumpFilter(r.Context(), req, r.URL.Query().Get("cursor"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func dumpChainHandler(p *Plane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeErr(w, xerrors.Invalid("could not read request body"))
			return
		}
		var req Request
		if err := jsoniter.Unmarshal(body, &req); err != nil {
			writeErr(w, xerrors.Invalid("malformed request: "+err.Error()))
			return
		}
		chains, err := p.DumpChain(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chains)
	}
}
