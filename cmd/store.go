package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-reconciler/internal/merge"
	"github.com/sells-group/listing-reconciler/internal/reconcile"
	"github.com/sells-group/listing-reconciler/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "reconciler.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initReconciler(st store.Store) (*reconcile.Reconciler, error) {
	var policy *merge.Policy
	if cfg.Reconcile.PolicyPath != "" {
		p, err := merge.LoadPolicy(cfg.Reconcile.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy = p
	}

	return reconcile.New(st, reconcile.Config{
		BatchSize:      cfg.Reconcile.BatchSize,
		PriceTolerance: cfg.Reconcile.PriceTolerance,
		MissThreshold:  cfg.Reconcile.MissThreshold,
		Policy:         policy,
	}), nil
}
