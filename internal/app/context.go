package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

// ResolveCompanyAndConfig picks the active company and ensures a company + config exist in DB,
// seeding defaults if missing. It prefers overrides, then single-company DB.
// If the company does not exist, it is created on the fly.
func ResolveCompanyAndConfig(ctx context.Context, workspace, companyOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	companyID := companyOverride
	if companyID == "" {
		if c, err := r.SingleCompany(ctx); err == nil {
			companyID = c.ID
		} else {
			return "", nil, fmt.Errorf("company not specified; use --company")
		}
	}
	seedCfg := config.Default(companyID)

	if _, err := r.GetCompany(ctx, companyID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createCompany(ctx, r, companyID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetCompanyConfig(ctx, companyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertCompanyConfig(ctx, companyID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed company config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Company.ID = companyID
	return companyID, cfg, nil
}

// createCompany inserts a minimal company footprint using the seed config.
func createCompany(ctx context.Context, r repo.Repo, companyID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(companyID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	c := domain.Company{
		ID:        companyID,
		Name:      seedCfg.Company.Name,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertCompany(ctx, c); err != nil {
		return fmt.Errorf("insert company: %w", err)
	}
	if err := r.UpsertCompanyConfig(ctx, companyID, seedCfg); err != nil {
		return fmt.Errorf("insert company config: %w", err)
	}
	return nil
}
