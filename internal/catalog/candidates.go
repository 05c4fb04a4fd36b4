package catalog

import "context"

// CancelOracle reports whether an openQA job was cancelled. Errors must
// be folded into false.
type CancelOracle interface {
	IsCancelled(ctx context.Context, server, jobID string) bool
}

// Candidates returns the ACTIVE, not ignored rows of a namespace whose TTL
// expired or whose openQA job was cancelled. A nil oracle skips the
// cancellation check.
func (c *Catalog) Candidates(ctx context.Context, namespace string, oracle CancelOracle) ([]Row, error) {
	rows, err := c.List(Filter{Namespace: namespace, State: StateActive})
	if err != nil {
		return nil, err
	}

	var out []Row
	for _, r := range rows {
		if r.Ignore {
			continue
		}
		if r.TTLExpired() || isCancelled(ctx, r, oracle) {
			out = append(out, r)
		}
	}
	return out, nil
}

func isCancelled(ctx context.Context, r Row, oracle CancelOracle) bool {
	if oracle == nil {
		return false
	}
	server, jobID, ok := r.Job()
	if !ok {
		return false
	}
	return oracle.IsCancelled(ctx, server, jobID)
}
