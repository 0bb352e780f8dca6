// Package registry loads and validates the declarative source specs that
// govern what may be fetched. Specs are read once at process start; the
// registry is immutable afterward and a reload requires a restart.
package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

var sourceIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Registry exposes the loaded source specs.
type Registry struct {
	specs map[string]ingest.SourceSpec
}

// Load reads one JSON spec per file from dir. Any invalid spec fails the
// whole load; callers treat that as fatal to the process.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir %s: %w", dir, err)
	}

	specs := make(map[string]ingest.SourceSpec)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		spec, err := loadSpec(path)
		if err != nil {
			return nil, fmt.Errorf("load source spec %s: %w", path, err)
		}
		if _, dup := specs[spec.SourceID]; dup {
			return nil, fmt.Errorf("duplicate source_id %q in %s", spec.SourceID, path)
		}
		specs[spec.SourceID] = spec
	}
	return &Registry{specs: specs}, nil
}

func loadSpec(path string) (ingest.SourceSpec, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- registry dir is operator-controlled
	if err != nil {
		return ingest.SourceSpec{}, fmt.Errorf("read file: %w", err)
	}
	var spec ingest.SourceSpec
	// Unknown extension fields in spec files are tolerated.
	if err := json.Unmarshal(raw, &spec); err != nil {
		return ingest.SourceSpec{}, fmt.Errorf("parse json: %w", err)
	}
	if err := Validate(spec); err != nil {
		return ingest.SourceSpec{}, err
	}
	return spec, nil
}

// Validate enforces the source spec invariants.
func Validate(spec ingest.SourceSpec) error {
	if !sourceIDPattern.MatchString(spec.SourceID) {
		return fmt.Errorf("source_id %q must match %s", spec.SourceID, sourceIDPattern)
	}
	u, err := url.Parse(spec.Endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("endpoint %q must be an absolute URL", spec.Endpoint)
	}
	switch spec.Method {
	case "GET", "POST":
	default:
		return fmt.Errorf("method %q must be GET or POST", spec.Method)
	}
	if len(spec.ContentTypes) == 0 {
		return fmt.Errorf("content_types must be non-empty")
	}
	if spec.RateLimitRPM <= 0 || spec.RateLimitRPH <= 0 {
		return fmt.Errorf("rate limits must be > 0")
	}
	if spec.RateLimitRPM > spec.RateLimitRPH {
		return fmt.Errorf("rate_limit_rpm %d must not exceed rate_limit_rph %d", spec.RateLimitRPM, spec.RateLimitRPH)
	}
	if spec.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be > 0")
	}
	switch spec.DataPolicy {
	case ingest.DataPolicyPublic, ingest.DataPolicyRestricted, ingest.DataPolicyInternal:
	default:
		return fmt.Errorf("data_policy %q is not allowed", spec.DataPolicy)
	}
	if spec.LicenseID == "" {
		return fmt.Errorf("license_id must be set")
	}
	if spec.MaxPayloadBytes < 0 {
		return fmt.Errorf("max_payload_bytes must be >= 0")
	}
	return nil
}

// Get returns the spec for sourceID or ingest.ErrNotFound.
func (r *Registry) Get(sourceID string) (ingest.SourceSpec, error) {
	spec, ok := r.specs[sourceID]
	if !ok {
		return ingest.SourceSpec{}, fmt.Errorf("source %q: %w", sourceID, ingest.ErrNotFound)
	}
	return spec, nil
}

// ListEnabled returns all enabled specs ordered by source_id.
func (r *Registry) ListEnabled() []ingest.SourceSpec {
	out := make([]ingest.SourceSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		if spec.Enabled {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Len returns the number of loaded specs.
func (r *Registry) Len() int {
	return len(r.specs)
}
