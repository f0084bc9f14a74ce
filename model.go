package conjunction

import (
	"time"
)

// MissionID identifies a mission. Ids start at 1.
type MissionID uint64

// NoMission is the invalid mission id.
const NoMission MissionID = 0

// Identity is the address of a caller, operator or oracle.
type Identity string

// Mission is one participant's trajectory submission.
type Mission struct {
	ID        MissionID
	Operator  Identity
	CreatedAt time.Time
}

// EncryptedTrajectory holds the five encrypted fields of a mission.
type EncryptedTrajectory struct {
	MissionID  MissionID
	PositionX  Ciphertext
	PositionY  Ciphertext
	PositionZ  Ciphertext
	Velocity   Ciphertext
	TimeWindow Ciphertext
}

// Batch returns the fields in decryption order.
func (t EncryptedTrajectory) Batch() []Ciphertext {
	return []Ciphertext{t.PositionX, t.PositionY, t.PositionZ, t.Velocity, t.TimeWindow}
}

func (t EncryptedTrajectory) complete() bool {
	for _, c := range t.Batch() {
		if c == nil {
			return false
		}
	}
	return true
}

// DecryptedTrajectory is the plaintext shadow of an EncryptedTrajectory. All
// fields stay zero until the one reveal.
type DecryptedTrajectory struct {
	PositionX  uint64
	PositionY  uint64
	PositionZ  uint64
	Velocity   uint64
	TimeWindow uint64
	IsRevealed bool
}

// CollisionAnalysis is one encrypted pairwise comparison, from MissionID's
// point of view against OtherID.
type CollisionAnalysis struct {
	MissionID        MissionID
	OtherID          MissionID
	DistanceSquared  Ciphertext
	TimeConflictFlag Ciphertext
	RiskScore        Ciphertext
}

func (a CollisionAnalysis) complete() bool {
	return a.DistanceSquared != nil && a.TimeConflictFlag != nil && a.RiskScore != nil
}

// AnalysisRef identifies one entry of a mission's analysis list without
// carrying its ciphertexts.
type AnalysisRef struct {
	MissionID  MissionID
	AnalysisID int
	OtherID    MissionID
}

// Batch returns the fields in decryption order.
func (a CollisionAnalysis) Batch() []Ciphertext {
	return []Ciphertext{a.RiskScore, a.DistanceSquared, a.TimeConflictFlag}
}

// DecryptedAnalysis is the plaintext shadow of a CollisionAnalysis.
type DecryptedAnalysis struct {
	RiskScore       uint64
	DistanceSquared uint64
	TimeConflict    uint64
	IsRevealed      bool
}

// RequestID is the opaque correlation id issued by the oracle.
type RequestID string

// Purpose says what a pending decryption request will reveal.
type Purpose uint8

const (
	PurposeTrajectoryReveal Purpose = iota + 1
	PurposeAnalysisReveal
)

func (p Purpose) String() string {
	switch p {
	case PurposeTrajectoryReveal:
		return "trajectory"
	case PurposeAnalysisReveal:
		return "analysis"
	default:
		return "unknown"
	}
}

// fieldCount is the number of cleartext words a reveal of this purpose carries.
func (p Purpose) fieldCount() int {
	switch p {
	case PurposeTrajectoryReveal:
		return 5
	case PurposeAnalysisReveal:
		return 3
	default:
		return 0
	}
}

// PendingRequest correlates an oracle request id to the state it will reveal.
// AnalysisID is only meaningful for PurposeAnalysisReveal.
type PendingRequest struct {
	ID         RequestID
	Purpose    Purpose
	MissionID  MissionID
	AnalysisID int
	IssuedAt   time.Time
}
