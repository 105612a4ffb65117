package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/serviceerr"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSnapshotNotFound indicates that nothing has been persisted yet.
	ErrSnapshotNotFound = errors.New("snapshot: not found")
	// ErrSnapshotInvalid indicates that the persisted document failed validation and was discarded.
	ErrSnapshotInvalid = errors.New("snapshot: invalid document")

	errMissingDatabase = errors.New("database handle is required")
	errMissingState    = errors.New("state is required")
)

const (
	opStoreNew = "snapshot.store.new"
	opSave     = "snapshot.save"
	opLoad     = "snapshot.load"
)

// ServiceError is the coded error returned by this package.
type ServiceError = serviceerr.Error

func newServiceError(operation, reason string, cause error) error {
	return serviceerr.New(operation, reason, cause)
}

type document struct {
	SchemaVersion int             `json:"schema_version"`
	CapturedAt    string          `json:"captured_at"`
	State         *realtime.State `json:"state"`
}

// Loaded is a persisted projection together with the moment it was captured.
type Loaded struct {
	State      *realtime.State
	CapturedAt time.Time
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists the latest realtime projection for instant paint after a restart.
type Store struct {
	db     *gorm.DB
	schema *jsonschema.Schema
	logger *zap.Logger
}

// NewStore validates dependencies and compiles the document schema.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	schema, err := compileDocumentSchema()
	if err != nil {
		return nil, newServiceError(opStoreNew, "schema_compile_failed", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, schema: schema, logger: logger}, nil
}

// Save replaces the persisted projection. The connectivity flag is never persisted as true.
func (s *Store) Save(ctx context.Context, state *realtime.State, capturedAt time.Time) error {
	if state == nil {
		return newServiceError(opSave, "missing_state", errMissingState)
	}
	capturedAt = capturedAt.UTC()
	encoded, err := json.Marshal(document{
		SchemaVersion: SchemaVersion,
		CapturedAt:    capturedAt.Format(time.RFC3339Nano),
		State:         normalize(state),
	})
	if err != nil {
		return newServiceError(opSave, "encode_failed", err)
	}
	record := Record{
		SnapshotID:        currentSnapshotID,
		SchemaVersion:     SchemaVersion,
		DocumentJSON:      string(encoded),
		CapturedAtSeconds: capturedAt.Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return newServiceError(opSave, "write_failed", err)
	}
	return nil
}

// Load returns the persisted projection. A document that fails schema validation is deleted and
// reported as ErrSnapshotInvalid.
func (s *Store) Load(ctx context.Context) (Loaded, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("snapshot_id = ?", currentSnapshotID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Loaded{}, newServiceError(opLoad, "not_found", ErrSnapshotNotFound)
	}
	if err != nil {
		return Loaded{}, newServiceError(opLoad, "read_failed", err)
	}

	loaded, validationErr := s.decode(record)
	if validationErr == nil {
		return loaded, nil
	}
	s.logger.Warn("discarding invalid snapshot", zap.Error(validationErr))
	if err := s.Clear(ctx); err != nil {
		s.logger.Warn("failed to delete invalid snapshot", zap.Error(err))
	}
	return Loaded{}, newServiceError(opLoad, "invalid", fmt.Errorf("%w: %v", ErrSnapshotInvalid, validationErr))
}

// Clear deletes the persisted projection.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("snapshot_id = ?", currentSnapshotID).Delete(&Record{}).Error
}

func (s *Store) decode(record Record) (Loaded, error) {
	if record.SchemaVersion != SchemaVersion {
		return Loaded{}, fmt.Errorf("schema version %d", record.SchemaVersion)
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(record.DocumentJSON)))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return Loaded{}, err
	}
	if err := s.schema.Validate(generic); err != nil {
		return Loaded{}, err
	}

	var decoded document
	if err := json.Unmarshal([]byte(record.DocumentJSON), &decoded); err != nil {
		return Loaded{}, err
	}
	capturedAt, err := time.Parse(time.RFC3339Nano, decoded.CapturedAt)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{State: normalize(decoded.State), CapturedAt: capturedAt}, nil
}

func normalize(state *realtime.State) *realtime.State {
	next := *state
	next.IsConnected = false
	if next.Reservations == nil {
		next.Reservations = map[string][]realtime.Reservation{}
	}
	if next.Conversations == nil {
		next.Conversations = map[string][]realtime.ConversationMessage{}
	}
	if next.Vacations == nil {
		next.Vacations = []realtime.VacationPeriod{}
	}
	return &next
}
