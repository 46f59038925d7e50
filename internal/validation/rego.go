package validation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultPolicyQuery is evaluated when no query is configured
const DefaultPolicyQuery = "data.framedb.admission.allow"

// RegoPredicate evaluates an OPA policy against every frame. The query must
// produce a boolean; an undefined result rejects the frame.
//
// The policy sees this input:
//
//	{"frameId": ..., "sourceId": ..., "metadata": {...}, "shards": ["s0", ...]}
type RegoPredicate struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// NewRegoPredicate compiles a policy module
func NewRegoPredicate(ctx context.Context, module, query string) (*RegoPredicate, error) {
	if query == "" {
		query = DefaultPolicyQuery
	}

	r := rego.New(
		rego.Query(query),
		rego.Module("admission.rego", module),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("invalid admission policy: %w", err)
	}
	return &RegoPredicate{query: query, prepared: prepared}, nil
}

// LoadRegoPredicate compiles the policy stored at path
func LoadRegoPredicate(ctx context.Context, path, query string) (*RegoPredicate, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read admission policy: %w", err)
	}
	return NewRegoPredicate(ctx, string(data), query)
}

// Validate implements Predicate
func (p *RegoPredicate) Validate(ctx context.Context, frameID string, md Metadata, rc RoutingContext) (bool, error) {
	rs, err := p.prepared.Eval(ctx, rego.EvalInput(policyInput(frameID, md, rc)))
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", p.query, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T, want bool", p.query, rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

func policyInput(frameID string, md Metadata, rc RoutingContext) map[string]interface{} {
	metadata := map[string]interface{}{
		"width":       md.Width,
		"height":      md.Height,
		"contentType": md.ContentType,
		"sequence":    md.Sequence,
	}
	if !md.Timestamp.IsZero() {
		metadata["timestamp"] = md.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if md.Extra != nil {
		metadata["extra"] = md.Extra
	}

	shards := make([]interface{}, len(rc.Snapshot))
	for i, d := range rc.Snapshot {
		shards[i] = d.ID
	}

	return map[string]interface{}{
		"frameId":  frameID,
		"sourceId": rc.SourceID,
		"metadata": metadata,
		"shards":   shards,
	}
}
