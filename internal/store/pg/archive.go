// Package pg mirrors applied claim state into PostgreSQL for reporting and
// recovery tooling. The in-memory node stays the source of truth; writes here
// are best-effort and never gate a ledger operation.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"obligo.org/internal/claims"
	"obligo.org/internal/identity"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Test use.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// SaveClaim upserts the claim row with its current owner.
func (s *Store) SaveClaim(ctx context.Context, c claims.Claim, owner identity.Address) error {
	var dueBy *time.Time
	if !c.DueBy.IsZero() {
		dueBy = &c.DueBy
	}
	_, err := s.db.ExecContext(ctx, `
		insert into claims(
			id, creditor, debtor, description, amount, paid, token, due_by,
			binding, status, controller, payer_receives_claim,
			impairment_grace_seconds, uri, owner, created_at, updated_at
		)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now())
		on conflict (id) do update set
			paid = excluded.paid,
			binding = excluded.binding,
			status = excluded.status,
			owner = excluded.owner,
			updated_at = now()
	`,
		int64(c.ID), c.Creditor.Hex(), c.Debtor.Hex(), c.Description,
		c.Amount, c.Paid, c.Token.Hex(), dueBy,
		c.Binding.String(), c.Status.String(), c.Controller.Hex(), c.PayerReceivesClaim,
		int64(c.ImpairmentGrace/time.Second), c.URI, owner.Hex(), c.CreatedAt,
	)
	return err
}

// SaveEvent appends one lifecycle event row.
func (s *Store) SaveEvent(ctx context.Context, e claims.Event) error {
	_, err := s.db.ExecContext(ctx, `
		insert into claim_events(type, claim_id, actor, amount, status, binding, owner, note, at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		e.Type, int64(e.ClaimID), e.Actor.Hex(), e.Amount,
		e.Status.String(), e.Binding.String(), e.Owner.Hex(), e.Note, e.At,
	)
	return err
}

// ClaimEvents returns the archived event trail for a claim, oldest first.
func (s *Store) ClaimEvents(ctx context.Context, claimID uint64, limit int) ([]claims.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select type, claim_id, actor, amount, status, binding, owner, note, at
		from claim_events
		where claim_id = $1
		order by seq asc
		limit $2
	`, int64(claimID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claims.Event
	for rows.Next() {
		var (
			e                  claims.Event
			id                 int64
			actor, owner       string
			statusStr, bindStr string
		)
		if err := rows.Scan(&e.Type, &id, &actor, &e.Amount, &statusStr, &bindStr, &owner, &e.Note, &e.At); err != nil {
			return nil, err
		}
		e.ClaimID = uint64(id)
		if e.Actor, err = identity.ParseAddress(actor); err != nil {
			return nil, err
		}
		if e.Owner, err = identity.ParseAddress(owner); err != nil {
			return nil, err
		}
		if e.Status, err = claims.ParseStatus(statusStr); err != nil {
			return nil, err
		}
		if e.Binding, err = claims.ParseBinding(bindStr); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadClaim reads one archived claim row.
func (s *Store) LoadClaim(ctx context.Context, id uint64) (claims.Claim, identity.Address, error) {
	var (
		c                  claims.Claim
		rawID              int64
		creditor, debtor   string
		tok, ctrl, owner   string
		statusStr, bindStr string
		dueBy              sql.NullTime
		graceSec           int64
	)
	err := s.db.QueryRowContext(ctx, `
		select id, creditor, debtor, description, amount, paid, token, due_by,
		       binding, status, controller, payer_receives_claim,
		       impairment_grace_seconds, uri, owner, created_at
		from claims where id = $1
	`, int64(id)).Scan(
		&rawID, &creditor, &debtor, &c.Description, &c.Amount, &c.Paid, &tok, &dueBy,
		&bindStr, &statusStr, &ctrl, &c.PayerReceivesClaim,
		&graceSec, &c.URI, &owner, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Claim{}, identity.Zero, claims.ErrNotFound
	}
	if err != nil {
		return claims.Claim{}, identity.Zero, err
	}

	c.ID = uint64(rawID)
	c.ImpairmentGrace = time.Duration(graceSec) * time.Second
	if dueBy.Valid {
		c.DueBy = dueBy.Time
	}
	if c.Creditor, err = identity.ParseAddress(creditor); err != nil {
		return claims.Claim{}, identity.Zero, err
	}
	if c.Debtor, err = identity.ParseAddress(debtor); err != nil {
		return claims.Claim{}, identity.Zero, err
	}
	if c.Token, err = identity.ParseAddress(tok); err != nil {
		return claims.Claim{}, identity.Zero, err
	}
	if c.Controller, err = identity.ParseAddress(ctrl); err != nil {
		return claims.Claim{}, identity.Zero, err
	}
	if c.Status, err = claims.ParseStatus(statusStr); err != nil {
		return claims.Claim{}, identity.Zero, err
	}
	if c.Binding, err = claims.ParseBinding(bindStr); err != nil {
		return claims.Claim{}, identity.Zero, err
	}
	ownerAddr, err := identity.ParseAddress(owner)
	if err != nil {
		return claims.Claim{}, identity.Zero, err
	}
	return c, ownerAddr, nil
}
