package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/orepool/internal/pool"
)

// MemberRepository persists members and their balances.
type MemberRepository struct {
	db *sql.DB
}

// NewMemberRepository creates a new member repository.
func NewMemberRepository(db *sql.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

const memberColumns = `id, pool, authority, balance, total_balance, created_at`

func scanMember(row interface{ Scan(...any) error }) (*pool.Member, error) {
	var (
		m         pool.Member
		poolText  string
		authority string
	)
	if err := row.Scan(&m.ID, &poolText, &authority, &m.Balance, &m.TotalBalance, &m.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Pool, err = pool.ParsePubkey(poolText); err != nil {
		return nil, fmt.Errorf("member %d: %w", m.ID, err)
	}
	if m.Authority, err = pool.ParsePubkey(authority); err != nil {
		return nil, fmt.Errorf("member %d: %w", m.ID, err)
	}
	return &m, nil
}

// GetByID returns the member with the given id.
func (r *MemberRepository) GetByID(ctx context.Context, id uint64) (*pool.Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", pool.ErrUnknownMember, id)
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetByAuthority returns the member registered for authority.
func (r *MemberRepository) GetByAuthority(ctx context.Context, authority pool.Pubkey) (*pool.Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE authority = $1`, authority.String())
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", pool.ErrUnknownMember, authority)
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetOrCreateMember inserts m unless its authority is already registered, and
// returns the stored row either way.
func (r *MemberRepository) GetOrCreateMember(ctx context.Context, m pool.Member) (*pool.Member, error) {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO members (id, pool, authority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (authority) DO NOTHING`,
		m.ID, m.Pool.String(), m.Authority.String(), now,
	)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to create member: %w", err)
	}
	return r.GetByAuthority(ctx, m.Authority)
}

// ApplyRewardDelta credits d to its member once. Replaying the same
// (round, member) pair is a no-op and reports applied=false.
func (r *MemberRepository) ApplyRewardDelta(ctx context.Context, d pool.RewardDelta) (applied bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reward_deltas (round_id, member_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (round_id, member_id) DO NOTHING`,
		d.RoundID, d.MemberID, d.Amount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record reward delta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE members
		SET balance = balance + $1, total_balance = total_balance + $1, updated_at = now()
		WHERE id = $2`,
		d.Amount, d.MemberID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to credit member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("%w: id %d", pool.ErrUnknownMember, d.MemberID)
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit reward delta: %w", err)
	}
	return true, nil
}

// Claim debits amount from a member's balance and returns the new balance.
func (r *MemberRepository) Claim(ctx context.Context, memberID, amount uint64) (uint64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance uint64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM members WHERE id = $1 FOR UPDATE`, memberID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: id %d", pool.ErrUnknownMember, memberID)
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	if amount > balance {
		return balance, fmt.Errorf("%w: balance %d, requested %d", pool.ErrInsufficientBalance, balance, amount)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE members SET balance = balance - $1, updated_at = now() WHERE id = $2`,
		amount, memberID,
	); err != nil {
		return 0, fmt.Errorf("failed to debit member: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO claims (member_id, amount) VALUES ($1, $2)`,
		memberID, amount,
	); err != nil {
		return 0, fmt.Errorf("failed to record claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit claim: %w", err)
	}
	return balance - amount, nil
}

// RoundRecord is an archived round.
type RoundRecord struct {
	RoundID        uint64
	Challenge      pool.Challenge
	Attestation    []byte
	BestMemberID   uint64
	BestDifficulty uint32
	Contributions  int
	TotalScore     string
	Budget         uint64
	PoolFee        uint64
	Signature      string
	Submitted      bool
	ClosedAt       time.Time
}

// ArchivedContribution is one leaf of a round's attestation tree.
type ArchivedContribution struct {
	LeafIndex    int
	Contribution pool.Contribution
	Leaf         [32]byte
	Branch       [][32]byte
}

// RoundRepository archives closed rounds and their contributions.
type RoundRepository struct {
	db *sql.DB
}

// NewRoundRepository creates a new round repository.
func NewRoundRepository(db *sql.DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// RecordOpened stores the id of a freshly opened round. Round ids key the
// reward ledger and batch accounts, so they must survive restarts.
func (r *RoundRepository) RecordOpened(ctx context.Context, ch pool.Challenge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO round_openings (round_id, target, min_difficulty, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (round_id) DO NOTHING`,
		ch.RoundID, ch.Target[:], ch.MinDifficulty, ch.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record round opening: %w", err)
	}
	return nil
}

// LastRoundID returns the highest round id that was opened, archived or
// credited, or zero on a fresh ledger.
func (r *RoundRepository) LastRoundID(ctx context.Context) (uint64, error) {
	var id uint64
	err := r.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(round_id) FROM round_openings), 0),
			COALESCE((SELECT MAX(round_id) FROM rounds), 0),
			COALESCE((SELECT MAX(round_id) FROM reward_deltas), 0)
		)`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read last round id: %w", err)
	}
	return id, nil
}

// ArchiveRound stores a round and its contributions. Archiving a round twice
// keeps the first copy and only updates the submission outcome.
func (r *RoundRepository) ArchiveRound(ctx context.Context, rec RoundRecord, contributions []ArchivedContribution) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rounds (round_id, target, min_difficulty, attestation, best_member_id, best_difficulty,
		                    contributions, total_score, budget, pool_fee, signature, submitted, started_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (round_id) DO UPDATE SET signature = EXCLUDED.signature, submitted = EXCLUDED.submitted`,
		rec.RoundID, rec.Challenge.Target[:], rec.Challenge.MinDifficulty, rec.Attestation,
		rec.BestMemberID, rec.BestDifficulty, rec.Contributions, rec.TotalScore,
		rec.Budget, rec.PoolFee, rec.Signature, rec.Submitted, rec.Challenge.StartedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive round: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contributions (round_id, leaf_index, member_id, digest, nonce, difficulty, leaf, branch, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (round_id, leaf_index) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare contribution insert: %w", err)
	}
	defer stmt.Close()

	for _, ac := range contributions {
		c := ac.Contribution
		branch := make(pq.ByteaArray, len(ac.Branch))
		for i := range ac.Branch {
			branch[i] = ac.Branch[i][:]
		}
		if _, err = stmt.ExecContext(ctx,
			rec.RoundID, ac.LeafIndex, c.MemberID, c.Solution.D[:], c.Solution.N[:],
			c.Difficulty, ac.Leaf[:], branch, c.ReceivedAt,
		); err != nil {
			return fmt.Errorf("failed to archive contribution %d: %w", ac.LeafIndex, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit round archive: %w", err)
	}
	return nil
}

// ContributionProof returns the archived leaf and branch of a member's
// contributions in a round.
func (r *RoundRepository) ContributionProof(ctx context.Context, roundID, memberID uint64) ([]ArchivedContribution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT leaf_index, digest, nonce, difficulty, leaf, branch, received_at
		FROM contributions
		WHERE round_id = $1 AND member_id = $2
		ORDER BY leaf_index`, roundID, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	defer rows.Close()

	var out []ArchivedContribution
	for rows.Next() {
		var (
			ac            ArchivedContribution
			digest, nonce []byte
			leaf          []byte
			branch        pq.ByteaArray
		)
		if err := rows.Scan(&ac.LeafIndex, &digest, &nonce, &ac.Contribution.Difficulty, &leaf, &branch, &ac.Contribution.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		ac.Contribution.RoundID = roundID
		ac.Contribution.MemberID = memberID
		copy(ac.Contribution.Solution.D[:], digest)
		copy(ac.Contribution.Solution.N[:], nonce)
		copy(ac.Leaf[:], leaf)
		for _, h := range branch {
			var node [32]byte
			copy(node[:], h)
			ac.Branch = append(ac.Branch, node)
		}
		out = append(out, ac)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contributions: %w", err)
	}
	return out, nil
}

// Attestation returns the archived attestation root of a round.
func (r *RoundRepository) Attestation(ctx context.Context, roundID uint64) ([32]byte, error) {
	var root [32]byte
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT attestation FROM rounds WHERE round_id = $1`, roundID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return root, fmt.Errorf("round %d not archived", roundID)
		}
		return root, fmt.Errorf("failed to read attestation: %w", err)
	}
	if len(raw) != len(root) {
		return root, fmt.Errorf("round %d has no attestation", roundID)
	}
	copy(root[:], raw)
	return root, nil
}
