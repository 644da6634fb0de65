package models

// Task is one agent task row. Timestamps are unix milliseconds.
type Task struct {
	ID      string `gorm:"column:id;type:text;primaryKey"`
	OwnerID string `gorm:"column:owner_id;type:text;not null;index:idx_tasks_owner_created,priority:1"`

	Agent     string `gorm:"column:agent;type:text;not null;index:idx_tasks_agent"`
	Name      string `gorm:"column:name;type:text;not null"`
	InputJSON string `gorm:"column:input_json;type:text;not null"`

	OutputJSON *string `gorm:"column:output_json;type:text"`
	Status     string  `gorm:"column:status;type:text;not null;index:idx_tasks_status"`

	ErrorCode    string `gorm:"column:error_code;type:text"`
	ErrorMessage string `gorm:"column:error_message;type:text"`

	PipelineID *string `gorm:"column:pipeline_id;type:text;index:idx_tasks_pipeline_step,priority:1"`
	StepIndex  *int    `gorm:"column:step_index;index:idx_tasks_pipeline_step,priority:2"`

	CreatedAt  int64  `gorm:"column:created_at;not null;autoCreateTime:milli;index:idx_tasks_owner_created,priority:2"`
	StartedAt  *int64 `gorm:"column:started_at"`
	FinishedAt *int64 `gorm:"column:finished_at"`
	UpdatedAt  int64  `gorm:"column:updated_at;not null;autoUpdateTime:milli"`
}

func (Task) TableName() string { return "agent_tasks" }
