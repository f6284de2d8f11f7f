package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL string
	Query   url.Values
	Count   int
	Offset  int
	Total   int
}

// NewSearchBundle creates a searchset Bundle with self/next/previous links.
// resources are the already-paged entries.
func NewSearchBundle(resources []map[string]interface{}, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		raw, _ := json.Marshal(r)
		entries[i] = BundleEntry{
			FullURL:  fullURL(r),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         pageLinks(params),
		Entry:        entries,
	}
}

// DecodeBundle parses a searchset returned by a remote FHIR server and
// returns the raw resources of its entries.
func DecodeBundle(data []byte) ([]json.RawMessage, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode bundle: unexpected resourceType %q", b.ResourceType)
	}
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out, nil
}

func fullURL(r map[string]interface{}) string {
	rt, _ := r["resourceType"].(string)
	id, _ := r["id"].(string)
	if rt == "" || id == "" {
		return ""
	}
	return FormatReference(rt, id)
}

func pageLinks(p SearchBundleParams) []BundleLink {
	link := func(rel string, offset int) BundleLink {
		q := url.Values{}
		for k, v := range p.Query {
			if k == "_count" || k == "_offset" {
				continue
			}
			q[k] = v
		}
		q.Set("_count", fmt.Sprint(p.Count))
		q.Set("_offset", fmt.Sprint(offset))
		return BundleLink{Relation: rel, URL: p.BaseURL + "?" + q.Encode()}
	}

	links := []BundleLink{link("self", p.Offset)}
	if p.Count > 0 && p.Offset+p.Count < p.Total {
		links = append(links, link("next", p.Offset+p.Count))
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, link("previous", prev))
	}
	return links
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
