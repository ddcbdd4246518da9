package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var profileColumns = []string{
	"key", "enc_api_key", "base_url", "path_override", "mode",
	"azure_endpoint", "azure_deployment", "azure_api_version", "local",
	"created_at", "updated_at",
}

func (s *Store) UpsertProviderProfile(ctx context.Context, p ProviderProfile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	q := s.sql.Insert("provider_profiles").
		Columns(profileColumns...).
		Values(p.Key, p.EncAPIKey, p.BaseURL, p.PathOverride, p.Mode,
			p.AzureEndpoint, p.AzureDeployment, p.AzureAPIVersion, p.Local,
			p.CreatedAt, p.UpdatedAt).
		Suffix("ON CONFLICT(key) DO UPDATE SET enc_api_key=excluded.enc_api_key, base_url=excluded.base_url, path_override=excluded.path_override, mode=excluded.mode, azure_endpoint=excluded.azure_endpoint, azure_deployment=excluded.azure_deployment, azure_api_version=excluded.azure_api_version, local=excluded.local, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build profile upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *Store) GetProviderProfile(ctx context.Context, key string) (ProviderProfile, error) {
	q := s.sql.Select(profileColumns...).
		From("provider_profiles").
		Where(sq.Eq{"key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ProviderProfile{}, fmt.Errorf("build get profile query: %w", err)
	}

	p, err := scanProfile(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProviderProfile{}, ErrNotFound
		}
		return ProviderProfile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviderProfiles(ctx context.Context) ([]ProviderProfile, error) {
	q := s.sql.Select(profileColumns...).
		From("provider_profiles").
		OrderBy("key ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list profiles query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]ProviderProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteProviderProfile(ctx context.Context, key string) error {
	q := s.sql.Delete("provider_profiles").Where(sq.Eq{"key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete profile query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProfile(row rowScanner) (ProviderProfile, error) {
	var p ProviderProfile
	var encAPIKey sql.NullString
	err := row.Scan(
		&p.Key, &encAPIKey, &p.BaseURL, &p.PathOverride, &p.Mode,
		&p.AzureEndpoint, &p.AzureDeployment, &p.AzureAPIVersion, &p.Local,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return ProviderProfile{}, err
	}
	if encAPIKey.Valid {
		p.EncAPIKey = &encAPIKey.String
	}
	return p, nil
}
