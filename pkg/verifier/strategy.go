package verifier

import (
	"context"
	"time"
)

// Strategy is one named sub-method of a verifier.
type Strategy struct {
	Name string
	Run  func(ctx context.Context) Result
}

// FirstSuccess runs strategies in order and returns the first success. If
// every strategy fails it returns the most informative failure, preferring
// the later one on ties. The attempts are listed in Details["attempts"].
func FirstSuccess(ctx context.Context, strategies []Strategy) Result {
	if len(strategies) == 0 {
		return Failed("", CategoryConfiguration, "no verification methods available")
	}

	var (
		best     Result
		haveBest bool
		attempts = make([]map[string]interface{}, 0, len(strategies))
	)
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, map[string]interface{}{
				"method":   s.Name,
				"category": string(CategoryTimeout),
				"message":  "skipped: " + err.Error(),
			})
			if !haveBest {
				best = Failed(s.Name, CategoryTimeout, "verification budget exhausted before "+s.Name)
				haveBest = true
			}
			continue
		}

		start := time.Now()
		r := s.Run(ctx)
		if r.Method == "" {
			r.Method = s.Name
		}
		if r.Duration == 0 {
			r.Duration = time.Since(start)
		}
		if r.Success {
			if len(attempts) > 0 {
				r.Details = withDetail(r.Details, "attempts", attempts)
			}
			return r
		}

		attempts = append(attempts, map[string]interface{}{
			"method":   r.Method,
			"category": string(r.Category),
			"message":  r.Message,
		})
		if !haveBest || moreInformative(r.Category, best.Category) {
			best = r
			haveBest = true
		}
	}

	best.Details = withDetail(best.Details, "attempts", attempts)
	return best
}

func withDetail(details map[string]interface{}, key string, value interface{}) map[string]interface{} {
	if details == nil {
		details = make(map[string]interface{})
	}
	details[key] = value
	return details
}
