package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/pipeline"
	"github.com/keyrelay/gateway/internal/pop"
)

// maxBodyBytes bounds proxied request bodies.
const maxBodyBytes = 10 << 20

// HeaderResource addresses a resource without a path prefix.
const HeaderResource = "x-gateway-resource"

// actionForSuffix maps an upstream-style endpoint suffix to the action
// the permission model uses.
var actionForSuffix = map[string]string{
	"/v1/chat/completions": "chat.completions",
}

// handleProxyPath serves /r/{type}/{provider}/<endpoint>.
func (s *Server) handleProxyPath(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	resourceID := vars["type"] + ":" + vars["provider"]
	suffix := strings.TrimPrefix(r.URL.Path, "/r/"+vars["type"]+"/"+vars["provider"])
	s.proxy(w, r, resourceID, suffix)
}

// handleProxyHeader serves upstream-shaped paths addressed by the
// x-gateway-resource header, for SDKs that can only override a base URL.
func (s *Server) handleProxyHeader(w http.ResponseWriter, r *http.Request) {
	resourceID := r.Header.Get(HeaderResource)
	if resourceID == "" {
		writeError(w, r.Header.Get("X-Request-ID"),
			core.NewError(core.ErrResourceRequired, "missing "+HeaderResource+" header"))
		return
	}
	s.proxy(w, r, resourceID, r.URL.Path)
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request, resourceID, suffix string) {
	requestID := r.Header.Get("X-Request-ID")

	action, ok := actionForSuffix[suffix]
	if !ok {
		writeError(w, requestID,
			core.NewErrorf(core.ErrUnsupportedAction, "no action mapped to endpoint %q", suffix))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, requestID, core.NewError(core.ErrInvalidRequest, "unreadable request body"))
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, requestID, core.NewError(core.ErrInvalidRequest, "request body too large"))
		return
	}

	result := s.gateway.Handle(r.Context(), &pipeline.Request{
		ID:            requestID,
		Method:        r.Method,
		PathWithQuery: pop.PathWithQuery(r),
		ResourceID:    resourceID,
		Action:        action,
		Header:        r.Header,
		Body:          body,
	})

	if result.Rate != nil {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Rate.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Rate.ResetAt.Unix(), 10))
	}

	if result.Err != nil {
		writeError(w, requestID, result.Err)
		return
	}

	if result.Stream != nil {
		s.relayStream(w, result)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(result.Status)
	w.Write(result.Body)
}

// relayStream copies SSE frames to the client, flushing as they arrive.
func (s *Server) relayStream(w http.ResponseWriter, result *pipeline.Result) {
	defer result.Stream.Close()

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(result.Status)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 8<<10)
	for {
		n, err := result.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
