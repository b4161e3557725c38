// Package signing abstracts the external e-signature service that distributes
// documents to signers and produces the completed, signed artifact.
package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBackend marks every failure reported by a signing backend.
	ErrBackend = errors.New("signing backend error")
	// ErrNotReady is returned when an artifact is requested before the remote document completed.
	ErrNotReady = errors.New("signed artifact not ready")
)

// RemoteStatus is the document status reported by the signing backend.
type RemoteStatus int

const (
	RemoteUnknown RemoteStatus = iota
	RemoteDraft
	RemotePending
	RemoteSigned
	RemoteCompleted
)

// ParseRemoteStatus maps the backend's wire value onto a RemoteStatus.
// Anything unrecognised is RemoteUnknown.
func ParseRemoteStatus(s string) RemoteStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DRAFT":
		return RemoteDraft
	case "PENDING":
		return RemotePending
	case "SIGNED":
		return RemoteSigned
	case "COMPLETED":
		return RemoteCompleted
	default:
		return RemoteUnknown
	}
}

func (s RemoteStatus) String() string {
	switch s {
	case RemoteDraft:
		return "DRAFT"
	case RemotePending:
		return "PENDING"
	case RemoteSigned:
		return "SIGNED"
	case RemoteCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Signer is a recipient of a signing request.
type Signer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Backend is implemented by signing services. Implementations do not retry.
type Backend interface {
	// CreateRemoteDocument registers a document with its signers and uploads
	// its bytes. If any step fails the whole call fails; a registration left
	// behind by a failed upload is not usable.
	CreateRemoteDocument(ctx context.Context, title string, pdf []byte, fileName string, signers []Signer) (string, error)
	// Distribute sends the signing requests to the registered signers.
	Distribute(ctx context.Context, externalID string) error
	GetRemoteStatus(ctx context.Context, externalID string) (RemoteStatus, error)
	// FetchCompletedArtifact returns the signed PDF, or ErrNotReady when the
	// remote document is not COMPLETED.
	FetchCompletedArtifact(ctx context.Context, externalID string) ([]byte, error)
}

// Error describes a failed backend operation. Temporary is set for transport
// faults and for responses a later attempt may not repeat (5xx, 429).
type Error struct {
	Op         string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("signing %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("signing %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrBackend.
func (e *Error) Is(target error) bool { return target == ErrBackend }

// IsTemporary reports whether err is a backend failure worth retrying later.
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary
}
