// Package envelope validates submitted envelopes. The same validator runs
// inside the gateway and in the validate-envelope CLI so adapters can check
// submissions before sending them.
package envelope

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nightowlshows/showscraper/internal/ingest"
)

//go:embed schema/envelope.v1.json
var schemaV1 []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Schema returns the compiled v1 envelope schema.
func Schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaV1))
		if err != nil {
			compileErr = fmt.Errorf("parse embedded schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.v1.json", doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("envelope.v1.json")
	})
	return compiled, compileErr
}

// Result is the validator's verdict.
type Result struct {
	Valid    bool
	Reasons  []string
	Envelope ingest.Envelope
}

// Validate checks raw envelope JSON against the v1 schema and the semantic
// rules the schema cannot express. It is a pure function of its input.
func Validate(raw []byte) (Result, error) {
	var reasons []string

	if len(raw) > ingest.MaxEnvelopeBytes {
		return Result{Reasons: []string{
			fmt.Sprintf("envelope is %d bytes, limit is %d", len(raw), ingest.MaxEnvelopeBytes),
		}}, nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Result{Reasons: []string{fmt.Sprintf("parse json: %v", err)}}, nil
	}

	sch, err := Schema()
	if err != nil {
		return Result{}, err
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			for _, cause := range leafErrors(verr) {
				reasons = append(reasons, cause.Error())
			}
		} else {
			reasons = append(reasons, err.Error())
		}
	}

	var env ingest.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		reasons = append(reasons, fmt.Sprintf("decode envelope: %v", err))
		return Result{Reasons: reasons}, nil
	}

	reasons = append(reasons, semanticReasons(env)...)

	if len(reasons) > 0 {
		return Result{Reasons: reasons}, nil
	}
	return Result{Valid: true, Envelope: env}, nil
}

// semanticReasons covers the checks that need parsed values: timestamp
// sanity, key charset, payload_ref shape.
func semanticReasons(env ingest.Envelope) []string {
	var reasons []string
	if !ingest.ValidIdempotencyKey(env.IdempotencyKey) {
		reasons = append(reasons, "idempotency_key must be printable ASCII of at most 256 bytes")
	}
	if env.Timing.FetchedAt.IsZero() {
		reasons = append(reasons, "timing.fetched_at must be a valid RFC3339 timestamp")
	}
	if env.PayloadMeta.SizeBytes < 0 {
		reasons = append(reasons, "payload_meta.size_bytes must be >= 0")
	}
	if env.PayloadRef != "" && !strings.HasPrefix(env.PayloadRef, ingest.PayloadRefPrefix) {
		reasons = append(reasons, "payload_ref must use the cas:sha256 scheme")
	}
	return reasons
}

// ValidateEnvelope marshals a typed envelope and validates it, for callers
// that build envelopes in-process.
func ValidateEnvelope(env ingest.Envelope) (Result, error) {
	raw, err := Marshal(env)
	if err != nil {
		return Result{}, err
	}
	return Validate(raw)
}

// Marshal serializes an envelope canonically: UTC timestamps with a Z
// suffix, snake_case keys, no indentation.
func Marshal(env ingest.Envelope) ([]byte, error) {
	env.Timing.FetchedAt = env.Timing.FetchedAt.UTC()
	if env.GatewayReceivedAt != nil {
		t := env.GatewayReceivedAt.UTC()
		env.GatewayReceivedAt = &t
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// leafErrors walks the cause tree and returns one error per leaf.
func leafErrors(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range err.Causes {
		out = append(out, leafErrors(cause)...)
	}
	return out
}
