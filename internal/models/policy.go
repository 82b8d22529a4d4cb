package models

// CompensationPolicy политика компенсации, которую настраивает внешний компонент жалоб.
// ValidityDays = 0 означает ваучер без срока действия.
type CompensationPolicy struct {
	ID                string           `json:"id" yaml:"id" db:"id"`
	TenantID          string           `json:"tenant_id" yaml:"tenant_id" db:"tenant_id"`
	Category          string           `json:"category" yaml:"category" db:"category"`
	CompensationType  CompensationType `json:"compensation_type" yaml:"compensation_type" db:"compensation_type"`
	CompensationValue int64            `json:"compensation_value" yaml:"compensation_value" db:"compensation_value"`
	MaxDiscountAmount *int64           `json:"max_discount_amount,omitempty" yaml:"max_discount_amount,omitempty" db:"max_discount_amount"`
	ValidityDays      int              `json:"validity_days" yaml:"validity_days" db:"validity_days"`
	Active            bool             `json:"active" yaml:"-" db:"active"`
}
