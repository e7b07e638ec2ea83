package main

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-cnapp/open-cnapp/internal/aggregate"
	"github.com/open-cnapp/open-cnapp/internal/cache"
	"github.com/open-cnapp/open-cnapp/internal/config"
	"github.com/open-cnapp/open-cnapp/internal/secrets"
)

// buildSecretsSource selects the tenant-credential backend. The local
// backend also returns the cipher so the API layer can encrypt new
// secrets; with Vault there is nothing to encrypt locally.
func buildSecretsSource(ctx context.Context, cfg config.Config) (secrets.Source, *secrets.Cipher, error) {
	if cfg.SecretsBackend == config.SecretsBackendVault {
		source, err := secrets.NewVaultSource(ctx, secrets.VaultOptions{
			Address:          cfg.VaultAddr,
			Namespace:        cfg.VaultNamespace,
			AuthType:         cfg.VaultAuthType,
			Token:            cfg.VaultToken,
			AppRoleMountPath: cfg.VaultAppRoleMount,
			AppRoleRoleID:    cfg.VaultAppRoleRoleID,
			AppRoleSecretID:  cfg.VaultAppRoleSecretID,
			SecretPath:       cfg.VaultSecretPath,
			TLSSkipVerify:    cfg.VaultTLSSkipVerify,
			TLSCACertPEM:     cfg.VaultCACertPEM,
		})
		if err != nil {
			return nil, nil, err
		}
		return source, nil, nil
	}

	if cfg.EncryptionPassphrase == "" {
		return nil, nil, errors.New("ENCRYPTION_PASSPHRASE is required with the local secrets backend")
	}
	cipher, err := secrets.NewCipher(cfg.EncryptionPassphrase)
	if err != nil {
		return nil, nil, err
	}
	return secrets.NewLocalSource(cipher), cipher, nil
}

// buildCacheProvider connects the optional Valkey snapshot mirror. An
// empty CACHE_URL leaves the mirror off.
func buildCacheProvider(ctx context.Context, cfg config.Config) (cache.Provider, error) {
	if cfg.CacheURL == "" {
		return nil, nil
	}
	return cache.NewValkeyProvider(ctx, cfg.CacheURL)
}

func buildAggregator(pool *pgxpool.Pool, source secrets.Source, cacheProvider cache.Provider, cfg config.Config) (*aggregate.Aggregator, error) {
	agg := aggregate.NewAggregator(pool, source)
	agg.SetTenantWorkers(cfg.TenantWorkers)
	agg.SetReporter(&aggregate.LogReporter{})

	locks, err := aggregate.NewLockManager(pool)
	if err != nil {
		return nil, err
	}
	agg.SetLockManager(locks)

	if cacheProvider != nil {
		agg.SetCache(cacheProvider, cfg.CacheTTL)
	}
	return agg, nil
}
