package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ninjalabs/gatekeeper/internal/gate"
)

// Request headers set by the client tool.
const (
	HeaderAppID     = "Ninja-App-Id"
	HeaderGitEmail  = "Ninja-Git-Email"
	HeaderGitName   = "Ninja-Git-Name"
	HeaderGitBranch = "Ninja-Git-Branch"
	HeaderPublisher = "Ninja-App-Publisher"
	HeaderAppName   = "Ninja-App-Name"
)

// Binding is the request identity extracted from the Ninja-* headers.
type Binding struct {
	AppID     string
	GitEmail  string
	GitName   string
	GitBranch string
	Publisher string
	AppName   string
}

type bindingContextKey struct{}

// BindingFrom returns the Binding attached by the permission middleware.
func BindingFrom(r *http.Request) (Binding, bool) {
	b, ok := r.Context().Value(bindingContextKey{}).(Binding)
	return b, ok
}

func bindRequest(r *http.Request) Binding {
	return Binding{
		AppID:     strings.TrimSpace(r.Header.Get(HeaderAppID)),
		GitEmail:  strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderGitEmail))),
		GitName:   strings.TrimSpace(r.Header.Get(HeaderGitName)),
		GitBranch: strings.TrimSpace(r.Header.Get(HeaderGitBranch)),
		Publisher: strings.TrimSpace(r.Header.Get(HeaderPublisher)),
		AppName:   strings.TrimSpace(r.Header.Get(HeaderAppName)),
	}
}

// denyBody is the 403 payload shape the client tool parses.
type denyBody struct {
	Error denyDetail `json:"error"`
}

type denyDetail struct {
	Code     string `json:"code"`
	GitEmail string `json:"gitEmail,omitempty"`
}

// warningDetail is merged into JSON object responses on
// allow-with-warning outcomes.
type warningDetail struct {
	Code          string `json:"code"`
	TimeRemaining *int64 `json:"timeRemaining,omitempty"`
	GitEmail      string `json:"gitEmail,omitempty"`
}

// PermissionGate wraps gated handlers with the permission check. In
// private-backend mode every request passes through untouched.
type PermissionGate struct {
	checker *gate.Checker
	private func() bool
}

func NewPermissionGate(checker *gate.Checker, private func() bool) *PermissionGate {
	if private == nil {
		private = func() bool { return false }
	}
	return &PermissionGate{checker: checker, private: private}
}

// Middleware enforces the permission check before the wrapped handler
// runs. Deny outcomes become 403 responses; allow-with-warning outcomes
// have the warning merged into JSON object response bodies.
func (g *PermissionGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.private() {
			next.ServeHTTP(w, r)
			return
		}

		binding := bindRequest(r)
		if binding.AppID == "" {
			http.Error(w, "missing "+HeaderAppID+" header", http.StatusBadRequest)
			return
		}
		r = r.WithContext(withBinding(r.Context(), binding))

		result, err := g.checker.Check(r.Context(), gate.CheckRequest{
			AppID:     binding.AppID,
			Email:     binding.GitEmail,
			Publisher: binding.Publisher,
			AppName:   binding.AppName,
		})
		if err != nil {
			log.Error().Err(err).
				Str("appId", binding.AppID).
				Msg("Permission check failed")
			writeErrorResponse(w, http.StatusServiceUnavailable, "storage_unavailable",
				"Permission backend is temporarily unavailable")
			return
		}

		switch result.Kind {
		case gate.KindDeny:
			writeDeny(w, result)
		case gate.KindAllowWithWarning:
			bw := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(bw, r)
			flushWithWarning(w, bw, result)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func withBinding(ctx context.Context, b Binding) context.Context {
	return context.WithValue(ctx, bindingContextKey{}, b)
}

func writeDeny(w http.ResponseWriter, result gate.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	body := denyBody{Error: denyDetail{
		Code:     string(result.Code),
		GitEmail: result.GitEmail,
	}}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode deny response")
	}
}

// bufferedWriter captures a downstream response so the warning can be
// merged in before anything reaches the wire.
type bufferedWriter struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func (bw *bufferedWriter) Header() http.Header { return bw.header }

func (bw *bufferedWriter) WriteHeader(code int) {
	if bw.statusCode == 0 {
		bw.statusCode = code
	}
}

func (bw *bufferedWriter) Write(b []byte) (int, error) {
	if bw.statusCode == 0 {
		bw.statusCode = http.StatusOK
	}
	return bw.body.Write(b)
}

// flushWithWarning replays the buffered response, injecting the warning
// into JSON object bodies. Strings, arrays, and non-JSON bodies pass
// through unchanged.
func flushWithWarning(w http.ResponseWriter, bw *bufferedWriter, result gate.Result) {
	body := bw.body.Bytes()

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		warning, merr := json.Marshal(warningDetail{
			Code:          string(result.Warning),
			TimeRemaining: result.TimeRemaining,
			GitEmail:      result.GitEmail,
		})
		if merr == nil {
			obj["warning"] = warning
			if merged, merr := json.Marshal(obj); merr == nil {
				body = append(merged, '\n')
				bw.header.Del("Content-Length")
			}
		}
	}

	for k, vs := range bw.header {
		w.Header()[k] = vs
	}
	if bw.statusCode == 0 {
		bw.statusCode = http.StatusOK
	}
	w.WriteHeader(bw.statusCode)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("Failed to write response body")
	}
}
