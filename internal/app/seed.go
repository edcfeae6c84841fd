package app

import (
	"context"
	"errors"
	"fmt"

	"gamenight/internal/config"
	"gamenight/internal/storage"
	logx "gamenight/pkg/logx"
)

// seedCatalog upserts the configured subjects and their owners. Seeding is
// additive: subjects or owners removed from the file stay in the store.
func seedCatalog(ctx context.Context, cat storage.Catalog, cc config.CatalogConfig, log logx.Logger) error {
	var errs []error
	owners := 0
	for _, s := range cc.Subjects {
		sub, err := cat.UpsertSubject(ctx, s.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("subject %q: %w", s.Name, err))
			continue
		}
		for _, o := range s.Owners {
			days, err := storage.ParseWeekdayMask(o.Days)
			if err != nil {
				errs = append(errs, fmt.Errorf("subject %q owner %d: %w", s.Name, o.UserID, err))
				continue
			}
			interested := true
			if o.Interested != nil {
				interested = *o.Interested
			}
			if err := cat.UpsertOwnership(ctx, storage.Ownership{
				SubjectID:  sub.ID,
				UserID:     o.UserID,
				Interested: interested,
				Days:       days,
			}); err != nil {
				errs = append(errs, fmt.Errorf("subject %q owner %d: %w", s.Name, o.UserID, err))
				continue
			}
			owners++
		}
	}
	log.Info("catalog seeded",
		logx.Int("subjects", len(cc.Subjects)),
		logx.Int("owners", owners),
		logx.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}
