package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/ptr"

	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
)

const (
	poolMaxConns        = 25
	poolMinConns        = 2
	poolMaxConnLifetime = time.Hour
	poolMaxConnIdleTime = 30 * time.Minute
	connectTimeout      = 10 * time.Second

	pgForeignKeyViolation = "23503"
)

const userSelect = `SELECT u.id, u.username, u.email, u.did, u.issuer_id, u.credential_id,
       u.status, u.last_fetched_at, u.created_at, u.updated_at,
       ARRAY(SELECT a.address FROM user_addresses a WHERE a.user_id = u.id ORDER BY a.created_at, a.address)
  FROM users u`

// PostgresStore is a Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// NewPool opens and pings a connection pool for databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = poolMaxConns
	cfg.MinConns = poolMinConns
	cfg.MaxConnLifetime = poolMaxConnLifetime
	cfg.MaxConnIdleTime = poolMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStore wraps an open pool. The store owns the pool and closes it
// on Close.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, log: logger.Get().Named("postgres_store")}
}

func (s *PostgresStore) UpsertUser(ctx context.Context, ident model.Identity) (model.User, bool, error) {
	ident = ident.Normalize()
	if ident.Username == "" && len(ident.Addresses) == 0 {
		return model.User{}, false, ErrInvalidIdentity
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.User{}, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize upserts that touch the same username or address.
	keys := slices.Clone(ident.Addresses)
	if ident.Username != "" {
		keys = append(keys, "u:"+strings.ToLower(ident.Username))
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, k); err != nil {
			return model.User{}, false, fmt.Errorf("lock identity: %w", err)
		}
	}

	var byName *uuid.UUID
	var existingName string
	if ident.Username != "" {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM users WHERE lower(username) = lower($1)`, ident.Username).Scan(&id)
		switch {
		case err == nil:
			byName = &id
		case !errors.Is(err, pgx.ErrNoRows):
			return model.User{}, false, fmt.Errorf("lookup username: %w", err)
		}
	}

	byAddr := make(map[string]uuid.UUID)
	if len(ident.Addresses) > 0 {
		rows, err := tx.Query(ctx, `SELECT address, user_id FROM user_addresses WHERE address = ANY($1)`, ident.Addresses)
		if err != nil {
			return model.User{}, false, fmt.Errorf("lookup addresses: %w", err)
		}
		for rows.Next() {
			var addr string
			var id uuid.UUID
			if err := rows.Scan(&addr, &id); err != nil {
				rows.Close()
				return model.User{}, false, fmt.Errorf("scan address: %w", err)
			}
			byAddr[addr] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return model.User{}, false, fmt.Errorf("lookup addresses: %w", err)
		}
	}

	owner, found, err := resolveOwner(byName, byAddr)
	if err != nil {
		return model.User{}, false, err
	}

	if found {
		var name *string
		if err := tx.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, owner).Scan(&name); err != nil {
			return model.User{}, false, fmt.Errorf("load user: %w", err)
		}
		existingName = ptr.Deref(name, "")
		if existingName != "" && ident.Username != "" && !strings.EqualFold(existingName, ident.Username) {
			return model.User{}, false, fmt.Errorf("%w: user already has username %s", ErrAddressOwned, existingName)
		}
		_, err = tx.Exec(ctx, `UPDATE users
   SET username   = COALESCE(username, NULLIF($2, '')),
       email      = COALESCE(email, NULLIF($3, '')),
       did        = COALESCE(did, NULLIF($4, '')),
       issuer_id  = COALESCE(issuer_id, NULLIF($5, '')),
       updated_at = now()
 WHERE id = $1`, owner, ident.Username, ident.Email, ident.DID, ident.IssuerID)
		if err != nil {
			return model.User{}, false, fmt.Errorf("update user: %w", err)
		}
	} else {
		owner = uuid.New()
		_, err = tx.Exec(ctx, `INSERT INTO users (id, username, email, did, issuer_id, status)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)`,
			owner, ident.Username, ident.Email, ident.DID, ident.IssuerID, string(model.StatusPending))
		if err != nil {
			return model.User{}, false, fmt.Errorf("insert user: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, addr := range ident.Addresses {
		if _, ok := byAddr[addr]; ok {
			continue
		}
		batch.Queue(`INSERT INTO user_addresses (address, user_id) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING`, addr, owner)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return model.User{}, false, fmt.Errorf("insert addresses: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.User{}, false, fmt.Errorf("commit: %w", err)
	}

	u, err := s.GetUser(ctx, owner)
	if err != nil {
		return model.User{}, false, err
	}
	if !found {
		s.log.Debug(ctx, "user created", logger.String("user_id", owner.String()))
	}
	return u, !found, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	return scanUser(s.pool.QueryRow(ctx, userSelect+` WHERE u.id = $1`, id))
}

func (s *PostgresStore) FindUser(ctx context.Context, identifier string) (model.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return model.User{}, ErrNotFound
	}
	if id, err := uuid.Parse(identifier); err == nil {
		return s.GetUser(ctx, id)
	}
	return scanUser(s.pool.QueryRow(ctx, userSelect+`
 WHERE lower(u.username) = lower($1)
    OR u.id IN (SELECT user_id FROM user_addresses WHERE address = lower($1))
    OR lower(u.email) = lower($1)
    OR u.did = $1
    OR u.issuer_id = $1
 LIMIT 1`, identifier))
}

func (s *PostgresStore) GetProfile(ctx context.Context, id uuid.UUID) (model.Profile, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return model.Profile{}, err
	}
	p := model.Profile{User: u, States: make(map[model.Domain]model.DomainState)}

	rows, err := s.pool.Query(ctx, `SELECT domain, status, error, data, last_fetched_at, updated_at
  FROM domain_records WHERE user_id = $1`, id)
	if err != nil {
		return model.Profile{}, fmt.Errorf("load domain records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			domain, status string
			st             model.DomainState
			data           []byte
		)
		if err := rows.Scan(&domain, &status, &st.Error, &data, &st.LastFetchedAt, &st.UpdatedAt); err != nil {
			return model.Profile{}, fmt.Errorf("scan domain record: %w", err)
		}
		st.Domain = model.Domain(domain)
		st.Status = model.Status(status)
		p.States[st.Domain] = st
		if err := decodeDomain(&p, st.Domain, data); err != nil {
			return model.Profile{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return model.Profile{}, fmt.Errorf("load domain records: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SetUserStatus(ctx context.Context, id uuid.UUID, status model.Status, fetchedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users
   SET status = $2, last_fetched_at = COALESCE($3, last_fetched_at), updated_at = now()
 WHERE id = $1`, id, string(status), fetchedAt)
	if err != nil {
		return fmt.Errorf("set user status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetCredential(ctx context.Context, id uuid.UUID, credentialID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET credential_id = $2, updated_at = now() WHERE id = $1`, id, credentialID)
	if err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InitDomains(ctx context.Context, id uuid.UUID, domains []model.Domain) error {
	batch := &pgx.Batch{}
	for _, d := range domains {
		if !d.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidDomain, d)
		}
		batch.Queue(`INSERT INTO domain_records (user_id, domain, status) VALUES ($1, $2, $3)
ON CONFLICT (user_id, domain) DO NOTHING`, id, string(d), string(model.StatusPending))
	}
	if batch.Len() == 0 {
		return nil
	}
	return mapWriteErr(s.pool.SendBatch(ctx, batch).Close(), "init domains")
}

func (s *PostgresStore) SetDomainStatus(ctx context.Context, id uuid.UUID, d model.Domain, status model.Status, errMsg string) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidDomain, d)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO domain_records (user_id, domain, status, error) VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, domain) DO UPDATE
   SET status = EXCLUDED.status, error = EXCLUDED.error, updated_at = now()`,
		id, string(d), string(status), errMsg)
	return mapWriteErr(err, "set domain status")
}

func (s *PostgresStore) SaveDomain(ctx context.Context, id uuid.UUID, d model.Domain, status model.Status, data any, errMsg string) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidDomain, d)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", d, err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO domain_records (user_id, domain, status, error, data, last_fetched_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (user_id, domain) DO UPDATE
   SET status = EXCLUDED.status, error = EXCLUDED.error, data = EXCLUDED.data,
       last_fetched_at = EXCLUDED.last_fetched_at, updated_at = now()`,
		id, string(d), string(status), errMsg, raw)
	return mapWriteErr(err, "save domain")
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.User, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, userSelect+`
 WHERE u.status = $1 AND u.last_fetched_at < $2
 ORDER BY u.last_fetched_at
 LIMIT $3`, string(model.StatusCompleted), cutoff, lim)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]model.User, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, userSelect+`
 WHERE u.status IN ($1, $2) AND u.updated_at < $3
 ORDER BY u.updated_at
 LIMIT $4`, string(model.StatusPending), string(model.StatusProcessing), cutoff, lim)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool for migrations and health checks.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func scanUser(row pgx.Row) (model.User, error) {
	var (
		u                                    model.User
		username, email, did, issuer, credID *string
		status                               string
	)
	err := row.Scan(&u.ID, &username, &email, &did, &issuer, &credID,
		&status, &u.LastFetchedAt, &u.CreatedAt, &u.UpdatedAt, &u.Addresses)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Username = ptr.Deref(username, "")
	u.Email = ptr.Deref(email, "")
	u.DID = ptr.Deref(did, "")
	u.IssuerID = ptr.Deref(issuer, "")
	u.CredentialID = ptr.Deref(credID, "")
	u.Status = model.Status(status)
	return u, nil
}

func mapWriteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
