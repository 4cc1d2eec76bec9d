package action

import (
	"context"
	"time"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, extErrors.New("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Definition{}, &ServerLink{}, &Execution{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize via AutoMigrate")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GetActiveByName returns the single active definition for a name, or nil
func (m *Manager) GetActiveByName(ctx context.Context, gameID int64, name string) (*Definition, error) {
	def := Definition{}
	result := m.DB.WithContext(ctx).
		Where("game_id = ? AND name = ? AND active = ?", gameID, name, true).
		First(&def)
	if result.Error != nil {
		if extErrors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &def, nil
}

func (m *Manager) GetByID(ctx context.Context, gameID int64, actionID string) (*Definition, error) {
	def := Definition{}
	result := m.DB.WithContext(ctx).
		Where("game_id = ? AND id = ?", gameID, actionID).
		First(&def)
	if result.Error != nil {
		if extErrors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &def, nil
}

// List returns the active definitions of a game
func (m *Manager) List(ctx context.Context, gameID int64) ([]Definition, error) {
	defs := make([]Definition, 0)
	result := m.DB.WithContext(ctx).
		Where("game_id = ? AND active = ?", gameID, true).
		Order("name asc").
		Find(&defs)
	if result.Error != nil {
		return nil, result.Error
	}
	return defs, nil
}

// ListByName returns every definition a name ever had, newest first
func (m *Manager) ListByName(ctx context.Context, gameID int64, name string) ([]Definition, error) {
	defs := make([]Definition, 0)
	result := m.DB.WithContext(ctx).
		Where("game_id = ? AND name = ?", gameID, name).
		Order("created_at desc").
		Find(&defs)
	if result.Error != nil {
		return nil, result.Error
	}
	return defs, nil
}

// SaveDefinition reconciles a server's announced schema with the registry.
// A structurally identical active definition is reused and the server is
// attached to it. A different schema deactivates the current definition and
// creates a fresh one carrying the announcing server as FirstServerID.
func (m *Manager) SaveDefinition(ctx context.Context, gameID int64, serverID, name string, params Parameters) (*Definition, error) {
	var def *Definition
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := Definition{}
		lookup := tx.
			Where("game_id = ? AND name = ? AND active = ?", gameID, name, true).
			First(&current)
		if lookup.Error == nil {
			if current.Parameters.Equal(params) {
				def = &current
				return nil
			}
			// sweep by name, not by id: should only be one active, but a
			// racing announcement can leave more than one behind
			deactivate := tx.Model(&Definition{}).
				Where("game_id = ? AND name = ? AND active = ?", gameID, name, true).
				Update("active", false)
			if deactivate.Error != nil {
				return deactivate.Error
			}
		} else if !extErrors.Is(lookup.Error, gorm.ErrRecordNotFound) {
			return lookup.Error
		}
		fresh := Definition{
			ID:            uuid.New().String(),
			GameID:        gameID,
			Name:          name,
			Parameters:    params,
			Active:        true,
			FirstServerID: serverID,
			CreatedAt:     time.Now(),
		}
		if result := tx.Create(&fresh); result.Error != nil {
			return result.Error
		}
		def = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	if attachErr := m.Attach(ctx, gameID, def.ID, serverID); attachErr != nil {
		return nil, attachErr
	}
	return def, nil
}

func (m *Manager) SetActive(ctx context.Context, gameID int64, actionID string, active bool) error {
	return m.DB.WithContext(ctx).Model(&Definition{}).
		Where("game_id = ? AND id = ?", gameID, actionID).
		Update("active", active).Error
}

func (m *Manager) SetDescription(ctx context.Context, gameID int64, actionID, description string) error {
	return m.DB.WithContext(ctx).Model(&Definition{}).
		Where("game_id = ? AND id = ?", gameID, actionID).
		Update("description", description).Error
}

// Attach records that a server supports a definition. Re-announcing is a noop.
func (m *Manager) Attach(ctx context.Context, gameID int64, actionID, serverID string) error {
	link := ServerLink{
		GameID:   gameID,
		ActionID: actionID,
		ServerID: serverID,
	}
	return m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link).Error
}

// DetachServer removes a closing server from every definition it supported
func (m *Manager) DetachServer(ctx context.Context, gameID int64, serverID string) error {
	return m.DB.WithContext(ctx).
		Where("game_id = ? AND server_id = ?", gameID, serverID).
		Delete(&ServerLink{}).Error
}

func (m *Manager) CreateExecution(ctx context.Context, exec *Execution) error {
	return m.DB.WithContext(ctx).Create(exec).Error
}

func (m *Manager) GetExecution(ctx context.Context, gameID int64, executionID string) (*Execution, error) {
	exec := Execution{}
	result := m.DB.WithContext(ctx).
		Where("game_id = ? AND id = ?", gameID, executionID).
		First(&exec)
	if result.Error != nil {
		if extErrors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &exec, nil
}

type ListExecutionsOption struct {
	GameID   int64
	ActionID string
	Limit    int
	Offset   int
}

func (m *Manager) ListExecutions(ctx context.Context, opt ListExecutionsOption) ([]Execution, error) {
	if opt.Limit == 0 {
		opt.Limit = 100
	}
	execs := make([]Execution, 0)
	tx := m.DB.WithContext(ctx).Where("game_id = ?", opt.GameID)
	if opt.ActionID != "" {
		tx = tx.Where("action_id = ?", opt.ActionID)
	}
	result := tx.Order("created_at desc").
		Limit(opt.Limit).
		Offset(opt.Offset).
		Find(&execs)
	if result.Error != nil {
		return nil, result.Error
	}
	return execs, nil
}

// MarkRunning flags a pending execution as picked up by its server. Results
// may overtake this message, so a terminal status is never downgraded.
func (m *Manager) MarkRunning(ctx context.Context, gameID int64, executionID string) error {
	return m.DB.WithContext(ctx).Model(&Execution{}).
		Where("game_id = ? AND id = ? AND status = ?", gameID, executionID, StatusPending).
		Update("status", StatusRunning).Error
}

// RecordResult finalizes an execution. Only the first result lands, a
// duplicate against an already terminal execution is ignored.
func (m *Manager) RecordResult(ctx context.Context, gameID int64, executionID string, output, failure []byte) (bool, error) {
	status := StatusCompleted
	if failure != nil {
		status = StatusFailed
	}
	result := m.DB.WithContext(ctx).Model(&Execution{}).
		Where("game_id = ? AND id = ? AND status IN ?", gameID, executionID, []Status{StatusPending, StatusRunning}).
		Updates(map[string]interface{}{
			"status": status,
			"output": output,
			"error":  failure,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed force-fails an execution that could not be delivered
func (m *Manager) MarkFailed(ctx context.Context, gameID int64, executionID string, failure []byte) error {
	return m.DB.WithContext(ctx).Model(&Execution{}).
		Where("game_id = ? AND id = ?", gameID, executionID).
		Updates(map[string]interface{}{
			"status": StatusFailed,
			"error":  failure,
		}).Error
}
