package conflict

import (
	"github.com/sirupsen/logrus"

	apperrors "github.com/rongwang/fieldops-server/internal/errors"
	"github.com/rongwang/fieldops-server/internal/models"
)

// Conflict is a classified disagreement between a pushed record and the
// server copy.
type Conflict struct {
	Table         models.TableName
	RecordID      string
	ClientVersion int64
	ServerVersion int64
	ClientData    models.Payload
	ServerData    models.Payload
	Category      Category
}

// Outcome is the resolver's disposition of a conflict.
type Outcome struct {
	Resolution models.ConflictResolution
	// Apply is true when Payload must be written to the record store at Version.
	Apply   bool
	Payload models.Payload
	Version int64
	// Pending is true when a human has to pick a side.
	Pending bool
}

// Resolver applies the automatic conflict policy.
type Resolver struct {
	logger *logrus.Logger
}

// NewResolver creates a Resolver.
func NewResolver(logger *logrus.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve returns the disposition for c. Financial conflicts are parked for
// manual review with both payloads preserved; stale writes are resolved
// last-write-wins.
func (r *Resolver) Resolve(c *Conflict) Outcome {
	fields := logrus.Fields{
		"table":          c.Table,
		"record_id":      c.RecordID,
		"client_version": c.ClientVersion,
		"server_version": c.ServerVersion,
		"category":       c.Category,
	}

	if c.Category == CategoryFinancial || c.Table.IsFinancial() {
		r.logger.WithFields(fields).Warn("financial conflict queued for manual review")
		return Outcome{
			Resolution: models.ResolutionManualReview,
			Pending:    true,
		}
	}

	server := c.ServerVersion
	version := NextVersion(c.ClientVersion, &server)
	r.logger.WithFields(fields).WithField("new_version", version).Info("conflict resolved using last-write-wins")
	return Outcome{
		Resolution: models.ResolutionLastWriteWins,
		Apply:      true,
		Payload:    c.ClientData.Clone(),
		Version:    version,
	}
}

// ManualOutcome is what a human resolution writes back.
type ManualOutcome struct {
	Resolution models.ConflictResolution
	Data       models.Payload
	// WriteRecord is false when the server copy is kept as is.
	WriteRecord bool
}

// ResolveManual validates a human choice for a pending conflict.
func ResolveManual(c *models.SyncConflict, choice models.ConflictChoice, merged models.Payload) (ManualOutcome, error) {
	if c.Resolved() {
		return ManualOutcome{}, apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict %s is already resolved", c.ID)
	}

	switch choice {
	case models.ChoiceClient:
		return ManualOutcome{
			Resolution:  models.ResolutionClientWins,
			Data:        c.ClientData.Clone(),
			WriteRecord: true,
		}, nil
	case models.ChoiceServer:
		return ManualOutcome{
			Resolution: models.ResolutionServerWins,
			Data:       c.ServerData.Clone(),
		}, nil
	case models.ChoiceMerge:
		if len(merged) == 0 {
			return ManualOutcome{}, apperrors.New(apperrors.ErrValidation, "resolved_data is required for merge resolution")
		}
		return ManualOutcome{
			Resolution:  models.ResolutionMerged,
			Data:        merged.Clone(),
			WriteRecord: true,
		}, nil
	default:
		return ManualOutcome{}, apperrors.Newf(apperrors.ErrValidation, "unknown resolution %q", choice)
	}
}
