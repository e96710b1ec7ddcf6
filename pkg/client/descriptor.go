package client

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/Sternrassler/eve-esi-collector/pkg/cache"
)

// placeholderPattern matches named path placeholders such as {region_id}.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// RequestDescriptor describes a single ESI request.
// A descriptor is never mutated after it has been handed to Dispatch.
type RequestDescriptor struct {
	// Method defaults to GET.
	Method string

	// Path is a template relative to the base URL, e.g. "/markets/{region_id}/orders/".
	Path string

	// PathParams fill the placeholders in Path. They override collector defaults.
	PathParams map[string]string

	// QueryParams are merged over the client's default query parameters.
	QueryParams map[string]string

	// Body is encoded as JSON when non-nil.
	Body any
}

// WithQuery returns a copy of the descriptor with one query parameter set.
// The receiver's maps are not modified.
func (d RequestDescriptor) WithQuery(key, value string) RequestDescriptor {
	query := make(map[string]string, len(d.QueryParams)+1)
	for k, v := range d.QueryParams {
		query[k] = v
	}
	query[key] = value

	out := d
	out.QueryParams = query
	return out
}

// method returns the HTTP method, defaulting to GET.
func (d RequestDescriptor) method() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return d.Method
}

// Placeholders returns the placeholder names of a path template in order of
// appearance.
func Placeholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m[1]
	}
	return names
}

// renderPath substitutes placeholders using defaults overridden by the descriptor's own params.
func renderPath(template string, defaults, params map[string]string) (string, error) {
	var missing string
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := params[name]; ok {
			return url.PathEscape(v)
		}
		if v, ok := defaults[name]; ok {
			return url.PathEscape(v)
		}
		if missing == "" {
			missing = name
		}
		return match
	})
	if missing != "" {
		return "", fmt.Errorf("%w: path parameter %q not provided for %s", ErrInvalidDescriptor, missing, template)
	}
	return rendered, nil
}

// mergeQuery builds the query string; call-site values override defaults.
func mergeQuery(defaults, params map[string]string) url.Values {
	values := url.Values{}
	for k, v := range defaults {
		values.Set(k, v)
	}
	for k, v := range params {
		values.Set(k, v)
	}
	return values
}

// Response is a fully read ESI response. The body has already been consumed
// from the wire, so a Response can be handed between goroutines freely.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Page is the page number requested, 1 when the request carried no page parameter.
	Page int
}

// Expires returns the parsed expires header.
func (r *Response) Expires() (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	return cache.ParseExpires(r.Header)
}

// PageCount returns the X-Pages header value, 1 when absent or malformed.
func (r *Response) PageCount() int {
	if r == nil {
		return 1
	}
	raw := r.Header.Get("X-Pages")
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
