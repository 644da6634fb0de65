package models

type Pipeline struct {
	ID      string `gorm:"column:id;type:text;primaryKey"`
	OwnerID string `gorm:"column:owner_id;type:text;not null;index:idx_pipelines_owner_created,priority:1"`
	Name    string `gorm:"column:name;type:text;not null"`

	ContextJSON string `gorm:"column:context_json;type:text;not null"`
	StepsJSON   string `gorm:"column:steps_json;type:text;not null"`
	Status      string `gorm:"column:status;type:text;not null;index:idx_pipelines_status"`

	CreatedAt  int64  `gorm:"column:created_at;not null;autoCreateTime:milli;index:idx_pipelines_owner_created,priority:2"`
	StartedAt  *int64 `gorm:"column:started_at"`
	FinishedAt *int64 `gorm:"column:finished_at"`
	UpdatedAt  int64  `gorm:"column:updated_at;not null;autoUpdateTime:milli"`
}

func (Pipeline) TableName() string { return "pipelines" }
