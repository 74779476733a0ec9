package model

import (
	"github.com/Laisky/errors/v2"
)

// Dimension collector source types. request/response/metadata address a JSON
// document with a dot path; computed evaluates a transform expression over
// already-resolved dimensions.
const (
	CollectorSourceRequest  = "request"
	CollectorSourceResponse = "response"
	CollectorSourceMetadata = "metadata"
	CollectorSourceComputed = "computed"
)

// DimensionCollector maps a JSON location (or expression) to a named billing
// dimension for one api family and task type. Collectors are data: adding a
// metered dimension is a row insert, not a code change.
type DimensionCollector struct {
	Id            int    `json:"id"`
	ApiFormat     string `json:"api_format" gorm:"type:varchar(32);index"`
	TaskType      string `json:"task_type" gorm:"type:varchar(16);index;default:chat"`
	DimensionName string `json:"dimension_name" gorm:"type:varchar(64);index"`

	SourceType          string `json:"source_type" gorm:"type:varchar(16)"`
	SourcePath          string `json:"source_path,omitempty" gorm:"type:varchar(256)"`
	ValueType           string `json:"value_type" gorm:"type:varchar(16);default:int"`
	TransformExpression string `json:"transform_expression,omitempty" gorm:"type:text"`
	DefaultValue        string `json:"default_value,omitempty" gorm:"type:varchar(64)"`

	Priority  int  `json:"priority" gorm:"default:0"`
	IsEnabled bool `json:"is_enabled" gorm:"default:true"`
}

// GetCollectors loads enabled collectors for one family and task type, highest
// priority first. The billing layer overlays these on its built-in presets.
func GetCollectors(apiFormat, taskType string) ([]DimensionCollector, error) {
	var collectors []DimensionCollector
	err := DB.Where("api_format = ? AND task_type = ? AND is_enabled = ?", apiFormat, taskType, true).
		Order("priority desc").
		Find(&collectors).Error
	if err != nil {
		return nil, errors.Wrapf(err, "load collectors for %s/%s", apiFormat, taskType)
	}
	return collectors, nil
}
