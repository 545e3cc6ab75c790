/*
 *
 * Copyright 2022 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package xdsresource

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// oldStyleAuthority is the sentinel authority used for legacy, unqualified
// resource names (those that don't start with "xdstp:").
const oldStyleAuthority = "#old"

// Name is a parsed xDS resource name, either the new-style
// "xdstp://authority/type/id?q=v" form or an old-style opaque string.
type Name struct {
	// Authority is the logical namespace the resource belongs to, or the
	// sentinel oldStyleAuthority for legacy names.
	Authority string
	// ID is the resource's identifier: the raw name for old-style
	// resources, or the path segment(s) following the type URL in the
	// xdstp:// form.
	ID string
	// ContextParams holds query parameters, already sorted by key for
	// stable equality and formatting.
	ContextParams []QueryParam
}

// QueryParam is a single (name, value) context parameter.
type QueryParam struct {
	Name  string
	Value string
}

// ParseName parses name into a structured Name, validating that, for the
// new xdstp:// form, the type URL segment in the path matches typeURL.
func ParseName(name, typeURL string) (*Name, error) {
	if !strings.HasPrefix(name, "xdstp:") {
		return &Name{Authority: oldStyleAuthority, ID: name}, nil
	}

	u, err := url.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("xdsresource: malformed xdstp name %q: %v", name, err)
	}

	path := strings.TrimPrefix(u.Path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("xdsresource: xdstp name %q missing /<type_url>/<id> path", name)
	}
	if parts[0] != typeURL {
		return nil, fmt.Errorf("xdsresource: xdstp name %q has type %q, want %q", name, parts[0], typeURL)
	}

	var params []QueryParam
	for k, vs := range u.Query() {
		for _, v := range vs {
			params = append(params, QueryParam{Name: k, Value: v})
		}
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].Name != params[j].Name {
			return params[i].Name < params[j].Name
		}
		return params[i].Value < params[j].Value
	})

	return &Name{Authority: normalizeAuthority(u.Host), ID: parts[1], ContextParams: params}, nil
}

// normalizeAuthority converts a federation authority's hostname to its
// canonical ASCII (punycode) form, so "xdstp://café.example/..." and its
// already-ASCII "xdstp://xn--caf-dma.example/..." spelling resolve to the
// same authorities map entry. Falls back to the input unchanged if it isn't
// a valid domain name (e.g. authorities keyed by an opaque token).
func normalizeAuthority(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

// Format renders a Name back into its canonical wire string. For an
// old-style authority, this is simply the ID, unchanged.
func (n *Name) Format(typeURL string) string {
	if n.Authority == oldStyleAuthority {
		return n.ID
	}
	u := url.URL{Scheme: "xdstp", Host: n.Authority, Path: "/" + typeURL + "/" + n.ID}
	if len(n.ContextParams) > 0 {
		q := url.Values{}
		for _, p := range n.ContextParams {
			q.Add(p.Name, p.Value)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Equal reports whether n and other name the same resource: same authority,
// same id, and the same (sorted) context params.
func (n *Name) Equal(other *Name) bool {
	if n.Authority != other.Authority || n.ID != other.ID {
		return false
	}
	if len(n.ContextParams) != len(other.ContextParams) {
		return false
	}
	for i := range n.ContextParams {
		if n.ContextParams[i] != other.ContextParams[i] {
			return false
		}
	}
	return true
}

// IsOldStyleName reports whether n uses the legacy unqualified-name scheme.
func (n *Name) IsOldStyleName() bool { return n.Authority == oldStyleAuthority }
