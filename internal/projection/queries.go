package projection

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/russross/meddler"
)

// Counts summarizes a chain's projected state.
type Counts struct {
	RawEvents    uint64
	Profiles     uint64
	SkillClaims  uint64
	Endorsements uint64
	Verifiers    uint64
}

// Reader serves queries over the projection tables.
type Reader struct {
	db      *sql.DB
	chainID uint64
}

// NewReader creates a reader for one chain's projections.
func NewReader(db *sql.DB, chainID uint64) *Reader {
	return &Reader{
		db:      db,
		chainID: chainID,
	}
}

// GetProfile returns a profile by id, or nil if it does not exist.
func (r *Reader) GetProfile(profileID string) (*Profile, error) {
	profile := &Profile{}
	err := meddler.QueryRow(r.db, profile,
		`SELECT * FROM profiles WHERE chain_id = ? AND profile_id = ?`,
		r.chainID, profileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	return profile, nil
}

// GetClaim returns a skill claim by id, or nil if it does not exist.
func (r *Reader) GetClaim(claimID string) (*SkillClaim, error) {
	claim := &SkillClaim{}
	err := meddler.QueryRow(r.db, claim,
		`SELECT * FROM skill_claims WHERE chain_id = ? AND claim_id = ?`,
		r.chainID, claimID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query claim: %w", err)
	}
	return claim, nil
}

// ClaimsByProfile returns a profile's claims ordered by creation.
func (r *Reader) ClaimsByProfile(profileID string) ([]*SkillClaim, error) {
	var claims []*SkillClaim
	err := meddler.QueryAll(r.db, &claims,
		`SELECT * FROM skill_claims WHERE chain_id = ? AND profile_id = ?
		 ORDER BY created_block ASC, claim_id ASC`,
		r.chainID, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	return claims, nil
}

// EndorsementsByClaim returns a claim's endorsements, including revoked
// ones, ordered by creation.
func (r *Reader) EndorsementsByClaim(claimID string) ([]*Endorsement, error) {
	var endorsements []*Endorsement
	err := meddler.QueryAll(r.db, &endorsements,
		`SELECT * FROM endorsements WHERE chain_id = ? AND claim_id = ?
		 ORDER BY created_block ASC, endorsement_id ASC`,
		r.chainID, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to query endorsements: %w", err)
	}
	return endorsements, nil
}

// GetVerifier returns a verifier registration, or nil if unknown.
func (r *Reader) GetVerifier(address string) (*Verifier, error) {
	verifier := &Verifier{}
	err := meddler.QueryRow(r.db, verifier,
		`SELECT * FROM verifiers WHERE chain_id = ? AND verifier = ?`,
		r.chainID, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query verifier: %w", err)
	}
	return verifier, nil
}

// GetCounts returns row counts across the chain's tables.
func (r *Reader) GetCounts() (*Counts, error) {
	counts := &Counts{}

	for _, c := range []struct {
		table string
		dest  *uint64
	}{
		{"raw_events", &counts.RawEvents},
		{"profiles", &counts.Profiles},
		{"skill_claims", &counts.SkillClaims},
		{"endorsements", &counts.Endorsements},
		{"verifiers", &counts.Verifiers},
	} {
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE chain_id = ?`, c.table)
		if err := r.db.QueryRow(query, r.chainID).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}

	return counts, nil
}
