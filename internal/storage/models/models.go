package models

import "time"

type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionLost        SessionStatus = "lost"
	SessionExited      SessionStatus = "exited"
	SessionTransferred SessionStatus = "transferred"
)

// Closed reports whether the session reached a terminal state. Closed sessions
// are never mutated again; reassignment means opening a new session.
func (s SessionStatus) Closed() bool {
	return s == SessionExited || s == SessionTransferred
}

type IdentityStatus string

const (
	IdentityActive     IdentityStatus = "active"
	IdentityExited     IdentityStatus = "exited"
	IdentityFlagged    IdentityStatus = "flagged"
	IdentitySuspicious IdentityStatus = "suspicious"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// Rank orders severities so an anchor threshold can be compared; unknown
// severities rank below low.
func (s IncidentSeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s IncidentSeverity) Valid() bool {
	return s.Rank() > 0
}

type IncidentStatus string

const (
	IncidentPending      IncidentStatus = "pending"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolved     IncidentStatus = "resolved"
)

func (s IncidentStatus) rank() int {
	switch s {
	case IncidentPending:
		return 1
	case IncidentAcknowledged:
		return 2
	case IncidentResolved:
		return 3
	default:
		return 0
	}
}

func (s IncidentStatus) Valid() bool {
	return s.rank() > 0
}

// CanTransitionTo permits only strictly forward moves through the response
// workflow: pending -> acknowledged -> resolved.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	return next.Valid() && next.rank() > s.rank()
}

type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyExpired KeyStatus = "expired"
	KeyRevoked KeyStatus = "revoked"
)

type IncidentType string

const (
	IncidentPanicButton  IncidentType = "panic_button"
	IncidentAnomaly      IncidentType = "anomaly"
	IncidentManualReport IncidentType = "manual_report"
	IncidentGeofence     IncidentType = "geofence_breach"
)

func (t IncidentType) Valid() bool {
	switch t {
	case IncidentPanicButton, IncidentAnomaly, IncidentManualReport, IncidentGeofence:
		return true
	}
	return false
}

// BoundingBox is the upstream detector's pixel-space box: x1,y1 top-left,
// x2,y2 bottom-right.
type BoundingBox struct {
	X1 int
	Y1 int
	X2 int
	Y2 int
}

// Center returns the box centre used for trajectory points.
func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

type Velocity struct {
	VX float64
	VY float64
}

// Detection is the ingest contract from the per-camera detection/tracking
// collaborator: one structured event per detected person per processed frame.
type Detection struct {
	CameraID       string
	LocalTrackID   int
	FrameID        int64
	Timestamp      time.Time
	BBox           BoundingBox
	Confidence     float64
	Velocity       *Velocity
	Embedding      []float32
	PoseKeypoints  []PoseKeypoint
	QualityScore   float64
	OcclusionScore float64
}

type PoseKeypoint struct {
	X          float64
	Y          float64
	Confidence float64
}

// Tracklet is one detection appended to a session's ordered sequence.
type Tracklet struct {
	FrameID    int64
	Timestamp  time.Time
	BBox       BoundingBox
	Confidence float64
	Velocity   *Velocity
}

type TrajectoryPoint struct {
	X         float64
	Y         float64
	Timestamp time.Time
}

// TrackingSession covers one (camera, local track) lifetime. DID is set at
// most once by the matcher and immutable afterwards.
type TrackingSession struct {
	SessionID       string
	CameraID        string
	LocalTrackID    int
	DID             string
	MatchConfidence float64
	Tracklets       []Tracklet
	Trajectory      []TrajectoryPoint
	StartTimestamp  time.Time
	LastSeen        time.Time
	EndTimestamp    *time.Time
	DurationSeconds int
	Status          SessionStatus
	TransferTarget  string
	TransferredAt   *time.Time
	TotalDetections int
	AvgConfidence   float64
}

// FeatureRecord is an append-only appearance sample owned by the feature bank.
type FeatureRecord struct {
	FeatureID        string
	DID              string
	Embedding        []float32
	PoseKeypoints    []PoseKeypoint
	Appearance       map[string]string
	CaptureTimestamp time.Time
	CameraID         string
	QualityScore     float64
	OcclusionScore   float64
	AnchorTxRef      string
	CreatedAt        time.Time
}

// Identity is the durable tourist record as stored: sensitive fields are
// ciphertext blobs, only ever decrypted through the vault's scope check.
type Identity struct {
	DID                string
	DocumentHash       string
	DocumentSalt       string
	IDType             string
	NameEncrypted      []byte
	DocNumberEncrypted []byte
	PhoneEncrypted     []byte
	EmailEncrypted     []byte
	ItineraryEncrypted []byte
	Nationality        string
	EntryPoint         string
	EntryTime          time.Time
	ExpectedExit       *time.Time
	Status             IdentityStatus
	RiskLevel          string
	AlertCount         int
	LastSeenCamera     string
	LastSeenAt         *time.Time
	AnchorTxRef        string
	Verification       VerificationStatus
	KeyID              string
	Algorithm          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IdentityFields is the plaintext side of an identity, accepted at
// registration and returned by scope-checked decryption.
type IdentityFields struct {
	Name        string
	IDType      string
	IDNumber    string
	Phone       string
	Email       string
	Itinerary   string
	Nationality string
	EntryPoint  string
}

type Incident struct {
	IncidentID           string
	DID                  string
	Type                 IncidentType
	Severity             IncidentSeverity
	DescriptionEncrypted []byte
	CameraID             string
	Location             string
	Timestamp            time.Time
	EvidenceRefs         []string
	SessionID            string
	Status               IncidentStatus
	Assignee             string
	ResolvedAt           *time.Time
	AnchorTxRef          string
	CreatedAt            time.Time
}

// KeyRecord is key-management bookkeeping. Material is stored wrapped under
// the master key; expired and revoked keys stay available for decrypt only.
type KeyRecord struct {
	KeyID           string
	WrappedMaterial []byte
	Algorithm       string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	Status          KeyStatus
	UsageCount      int64
}

// AnchorRequest is one queued ledger submission. RefType/RefID point back to
// the record whose content hash is being anchored.
type AnchorRequest struct {
	ID          int64
	ContentHash string
	RefType     string
	RefID       string
	Attempts    int
	TxRef       string
	Submitted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
