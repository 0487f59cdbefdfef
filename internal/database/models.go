package database

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"idcard/internal/batch"
	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
)

// 批次状态。
const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

// CardTemplate 表示编辑器保存的卡片模板。
type CardTemplate struct {
	gorm.Model
	Name               string         `gorm:"size:255"`
	Orientation        string         `gorm:"size:16"`
	LogoURL            string         `gorm:"size:1024"`
	BackgroundFrontURL string         `gorm:"size:1024"`
	BackgroundBackURL  string         `gorm:"size:1024"`
	LayoutConfig       datatypes.JSON `gorm:"type:jsonb"` // JSONB 存储 canvas 与 elements
	PreviewImageURL    string         `gorm:"size:2048"`
	PreviewObjectKey   string         `gorm:"size:512"`
}

// Record 返回模板行对应的记录结构（不含 layout_config）。
func (t CardTemplate) Record() cardtemplate.Record {
	return cardtemplate.Record{
		ID:                 t.ID,
		TemplateName:       t.Name,
		Orientation:        t.Orientation,
		LogoURL:            t.LogoURL,
		BackgroundFrontURL: t.BackgroundFrontURL,
		BackgroundBackURL:  t.BackgroundBackURL,
	}
}

// Template decodes and validates the stored snapshot.
func (t CardTemplate) Template() (cardtemplate.Template, error) {
	return cardtemplate.DecodeLayout(t.Record(), t.LayoutConfig)
}

// ApplyTemplate 用已校验的模板覆盖行内容。
func (t *CardTemplate) ApplyTemplate(tmpl cardtemplate.Template) error {
	layout, err := cardtemplate.EncodeLayout(tmpl)
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}
	t.Name = tmpl.Name
	t.Orientation = string(tmpl.Orientation)
	t.LogoURL = tmpl.LogoSource
	t.BackgroundFrontURL = tmpl.FrontBackgroundSource
	t.BackgroundBackURL = tmpl.BackBackgroundSource
	t.LayoutConfig = datatypes.JSON(layout)
	return nil
}

// Employee 是只读的员工花名册，由人事系统同步。
type Employee struct {
	ID             string    `gorm:"primaryKey;size:64"`
	EmployeeCode   string    `gorm:"column:employee_id;size:64;index"`
	Name           string    `gorm:"size:255"`
	Department     string    `gorm:"size:255"`
	Position       string    `gorm:"size:255"`
	EmployeeType   string    `gorm:"size:64"`
	PhotoURL       string    `gorm:"size:1024"`
	PermanentToken string    `gorm:"size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToBinder 转换为绑定阶段使用的员工数据。
func (e Employee) ToBinder() binder.Employee {
	return binder.Employee{
		ID:           e.ID,
		EmployeeCode: e.EmployeeCode,
		FullName:     e.Name,
		Department:   e.Department,
		Position:     e.Position,
		EmployeeType: e.EmployeeType,
		PhotoSource:  e.PhotoURL,
		BadgeToken:   e.PermanentToken,
		CreatedAt:    e.CreatedAt,
	}
}

// EmployeeFromBinder 是 ToBinder 的逆操作，供花名册导入使用。
func EmployeeFromBinder(e binder.Employee) Employee {
	return Employee{
		ID:             e.ID,
		EmployeeCode:   e.EmployeeCode,
		Name:           e.FullName,
		Department:     e.Department,
		Position:       e.Position,
		EmployeeType:   e.EmployeeType,
		PhotoURL:       e.PhotoSource,
		PermanentToken: e.BadgeToken,
		CreatedAt:      e.CreatedAt,
	}
}

// CardBatch 表示一次批量制卡请求及其结果。
type CardBatch struct {
	gorm.Model
	TemplateID    uint           `gorm:"index"`
	Template      CardTemplate   `gorm:"constraint:OnDelete:RESTRICT"`
	EmployeeIDs   datatypes.JSON `gorm:"type:jsonb"`
	Status        string         `gorm:"size:32;index"`
	RenderedCount int
	PageCount     int
	WarningsCount int
	Failures      datatypes.JSON `gorm:"type:jsonb"`
	ObjectKey     string         `gorm:"size:512"`
	ErrorMessage  string         `gorm:"size:1024"`
	CorrelationID string         `gorm:"size:64"`
	CompletedAt   *time.Time
}

// RequestedEmployeeIDs 解码 employee_ids 列，保持提交顺序。
func (b CardBatch) RequestedEmployeeIDs() ([]string, error) {
	var ids []string
	if len(b.EmployeeIDs) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(b.EmployeeIDs, &ids); err != nil {
		return nil, fmt.Errorf("decode employee_ids of batch %d: %w", b.ID, err)
	}
	return ids, nil
}

// FailureList 解码 failures 列。
func (b CardBatch) FailureList() ([]batch.Failure, error) {
	failures := []batch.Failure{}
	if len(b.Failures) == 0 || string(b.Failures) == "null" {
		return failures, nil
	}
	if err := json.Unmarshal(b.Failures, &failures); err != nil {
		return nil, fmt.Errorf("decode failures of batch %d: %w", b.ID, err)
	}
	return failures, nil
}

// NewCardBatch 构造待处理批次。
func NewCardBatch(templateID uint, employeeIDs []string, correlationID string) (*CardBatch, error) {
	ids, err := json.Marshal(employeeIDs)
	if err != nil {
		return nil, fmt.Errorf("encode employee ids: %w", err)
	}
	return &CardBatch{
		TemplateID:    templateID,
		EmployeeIDs:   datatypes.JSON(ids),
		Status:        BatchStatusPending,
		Failures:      datatypes.JSON("[]"),
		CorrelationID: correlationID,
	}, nil
}
