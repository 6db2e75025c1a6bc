package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy defines the CORS headers to emit for matching origins.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
	// EmitWithoutOrigin makes a wildcard policy answer every response with
	// Access-Control-Allow-Origin: *, even without an Origin header. The push
	// endpoints are called from service workers and curl alike.
	EmitWithoutOrigin bool
}

type corsRules struct {
	origins     []string
	wildcard    bool
	credentials bool
	always      bool
	static      map[string]string
}

func compileCORS(p CORSPolicy) corsRules {
	rules := corsRules{
		origins:     trimAll(p.AllowedOrigins),
		credentials: p.AllowCredentials,
		static:      map[string]string{},
	}
	for _, o := range rules.origins {
		if o == "*" {
			rules.wildcard = true
		}
	}
	rules.always = p.EmitWithoutOrigin && rules.wildcard
	if m := trimAll(p.AllowedMethods); len(m) > 0 {
		rules.static["Access-Control-Allow-Methods"] = strings.Join(m, ", ")
	}
	if h := trimAll(p.AllowedHeaders); len(h) > 0 {
		rules.static["Access-Control-Allow-Headers"] = strings.Join(h, ", ")
	}
	if secs := int(p.MaxAge.Seconds()); secs > 0 {
		rules.static["Access-Control-Max-Age"] = strconv.Itoa(secs)
	}
	if p.AllowCredentials {
		rules.static["Access-Control-Allow-Credentials"] = "true"
	}
	return rules
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin.
// Credentialed wildcard policies echo the origin because browsers reject "*" there.
func (c corsRules) allowOrigin(origin string) (string, bool) {
	if origin == "" {
		return "*", c.always
	}
	if c.wildcard {
		if c.credentials {
			return origin, true
		}
		return "*", true
	}
	for _, o := range c.origins {
		if strings.EqualFold(o, origin) {
			return origin, true
		}
	}
	return "", false
}

// WithCORS adds CORS headers for allowed origins and answers their preflights
// with 204. An empty AllowedOrigins disables it.
func WithCORS(p CORSPolicy) Middleware {
	rules := compileCORS(p)
	if len(rules.origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allow, ok := rules.allowOrigin(r.Header.Get("Origin"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			for k, v := range rules.static {
				h.Set(k, v)
			}
			if allow != "*" {
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
