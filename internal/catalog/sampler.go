package catalog

import (
	"context"
	"log/slog"
	"time"

	"peharvest/internal/logging"
	"peharvest/internal/workpool"
)

// Sample is the outcome of one sampling pass.
type Sample struct {
	Locators []Locator
	// Errors holds one entry per label whose listing failed.
	Errors []*ListError
}

// Partial reports whether any catalog failed to list.
func (s Sample) Partial() bool { return len(s.Errors) > 0 }

// Sampler draws a balanced sample across exactly two labels.
type Sampler struct {
	catalog     Catalog
	labels      [2]string
	listTimeout time.Duration
	logger      *slog.Logger
}

// NewSampler returns a sampler over the first and second label, in that order.
func NewSampler(cat Catalog, first, second string, listTimeout time.Duration, logger *slog.Logger) *Sampler {
	return &Sampler{
		catalog:     cat,
		labels:      [2]string{first, second},
		listTimeout: listTimeout,
		logger:      logging.NewComponentLogger(logger, "sampler"),
	}
}

// Split divides target between the two catalogs. The second catalog gets
// floor(target/2); the first gets the remainder, so an odd target favours
// the first.
func Split(target int) (first, second int) {
	if target <= 0 {
		return 0, 0
	}
	second = target / 2
	return target - second, second
}

// Sample lists both catalogs concurrently and returns the first catalog's
// leading selection followed by the second's. ErrCatalogUnavailable is
// returned only when neither catalog could be listed.
func (s *Sampler) Sample(ctx context.Context, target int) (Sample, error) {
	if target <= 0 {
		return Sample{}, nil
	}
	quotas := [2]int{}
	quotas[0], quotas[1] = Split(target)

	var (
		listings [2][]Locator
		failures [2]error
	)
	listCtx := ctx
	if s.listTimeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, s.listTimeout)
		defer cancel()
	}

	pool := workpool.New(len(s.labels))
	skipped := pool.Run(listCtx, len(s.labels), func(ctx context.Context, i int) {
		listings[i], failures[i] = s.catalog.List(ctx, s.labels[i])
	})
	for _, i := range skipped {
		failures[i] = listCtx.Err()
	}

	logger := logging.WithContext(ctx, s.logger)
	var sample Sample
	for i, label := range s.labels {
		if failures[i] != nil {
			listErr := &ListError{Label: label, Err: failures[i]}
			sample.Errors = append(sample.Errors, listErr)
			logging.WarnWithContext(logger, "catalog listing failed", "catalog_list_failed",
				logging.String("label", label),
				logging.Error(failures[i]),
				logging.String(logging.FieldErrorHint, "check bucket name, network access, and AWS CLI configuration"),
				logging.String(logging.FieldImpact, "sample drawn from the remaining catalog only"),
			)
			continue
		}
		picked := listings[i]
		if len(picked) > quotas[i] {
			picked = picked[:quotas[i]]
		}
		sample.Locators = append(sample.Locators, picked...)
		logger.Info("catalog sampled",
			logging.String("label", label),
			logging.Int("listed", len(listings[i])),
			logging.Int("selected", len(picked)),
			logging.Int("quota", quotas[i]),
		)
	}

	if len(sample.Errors) == len(s.labels) {
		return sample, ErrCatalogUnavailable
	}
	return sample, nil
}
