package binder

import (
	"strings"
	"time"
)

// Employee 是渲染一张卡片所需的员工数据。
type Employee struct {
	ID           string    `json:"id" yaml:"id"`
	EmployeeCode string    `json:"employee_id" yaml:"employee_id"`
	FullName     string    `json:"name" yaml:"name"`
	Department   string    `json:"department" yaml:"department"`
	Position     string    `json:"position" yaml:"position"`
	EmployeeType string    `json:"employee_type" yaml:"employee_type"`
	PhotoSource  string    `json:"photo_url" yaml:"photo_url"`
	BadgeToken   string    `json:"permanent_token" yaml:"permanent_token"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// FirstName is the first whitespace-separated token of FullName.
func (e Employee) FirstName() string {
	first, _ := splitName(e.FullName)
	return first
}

// LastName is everything after the first token of FullName.
func (e Employee) LastName() string {
	_, last := splitName(e.FullName)
	return last
}

func splitName(full string) (string, string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
