package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"branchgate.org/internal/deny"
)

const (
	RouteParam  = "branch"
	HeaderName  = "X-Branch-Id"
	PayloadKey  = "branch_id"
	maxBodyPeek = 1 << 20
)

// Candidates are the raw branch ids a request carries. Empty means absent.
type Candidates struct {
	Route  string
	Body   string
	Header string
}

func (c Candidates) empty() bool {
	return c.Route == "" && c.Body == "" && c.Header == ""
}

// Mutating reports whether the method changes state.
func Mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// FromRequest collects candidates from the chi route, the payload
// (JSON or form body, then query string) and the header. The body is
// restored so handlers can read it again.
func FromRequest(r *http.Request) (Candidates, error) {
	c := Candidates{
		Route:  strings.TrimSpace(chi.URLParam(r, RouteParam)),
		Header: strings.TrimSpace(r.Header.Get(HeaderName)),
	}
	body, err := PayloadValue(r, PayloadKey)
	if err != nil {
		return c, err
	}
	if body == "" {
		body = strings.TrimSpace(r.URL.Query().Get(PayloadKey))
	}
	c.Body = body
	return c, nil
}

// PayloadValue reads a top-level field from a JSON or urlencoded body
// without consuming it.
func PayloadValue(r *http.Request, key string) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" && mediaType != "application/x-www-form-urlencoded" {
		return "", nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}

	if mediaType == "application/x-www-form-urlencoded" {
		vals, err := url.ParseQuery(string(raw))
		if err != nil {
			return "", nil
		}
		return strings.TrimSpace(vals.Get(key)), nil
	}

	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		// Not an object; the handler reports malformed input itself.
		return "", nil
	}
	switch v := doc[key].(type) {
	case json.Number:
		return v.String(), nil
	case string:
		return strings.TrimSpace(v), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Resolver picks the effective branch: route, then payload, then header.
type Resolver struct {
	branches BranchFinder
}

func NewResolver(branches BranchFinder) *Resolver {
	return &Resolver{branches: branches}
}

// Resolve validates the candidates and loads the branch. For mutating
// requests a payload id must agree with every route/header id present:
// a stale form bound to another branch is rejected instead of merged.
func (r *Resolver) Resolve(ctx context.Context, c Candidates, mutating bool) (*Branch, error) {
	if c.empty() {
		return nil, deny.New(deny.KindContextMissing, "branch context is required")
	}

	ids := map[string]int64{}
	for _, src := range []struct{ name, raw string }{
		{"route", c.Route}, {"body", c.Body}, {"header", c.Header},
	} {
		if src.raw == "" {
			continue
		}
		id, err := strconv.ParseInt(src.raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, deny.New(deny.KindContextMissing, "branch id from %s is not a valid identifier", src.name).
				WithMeta("source", src.name)
		}
		ids[src.name] = id
	}

	if body, ok := ids["body"]; ok && mutating {
		for _, other := range []string{"route", "header"} {
			id, present := ids[other]
			if !present || id == body {
				continue
			}
			return nil, deny.New(deny.KindContextConflict,
				"branch in request body (%d) does not match the %s branch (%d)", body, other, id).
				WithMeta("body_branch_id", body).
				WithMeta(other+"_branch_id", id).
				WithMeta("hint", "reload the page to refresh the branch selection, then retry")
		}
	}

	effective, ok := ids["route"]
	if !ok {
		effective, ok = ids["body"]
	}
	if !ok {
		effective = ids["header"]
	}

	b, err := r.branches.Branch(ctx, effective)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, deny.New(deny.KindNotFound, "branch %d not found", effective)
		}
		return nil, fmt.Errorf("load branch %d: %w", effective, err)
	}
	if !b.Active {
		return nil, deny.New(deny.KindLocked, "branch %d is inactive", effective)
	}
	return b, nil
}
