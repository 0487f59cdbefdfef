package binder

import (
	"strings"
	"time"
)

const dateLayout = "02/01/2006"

// Placeholders lists the supported text placeholders. Anything else in braces
// is left untouched.
var Placeholders = []string{
	"{employee_id}",
	"{full_name}",
	"{first_name}",
	"{last_name}",
	"{department}",
	"{position}",
	"{current_date}",
	"{current_year}",
	"{current_month}",
	"{created_date}",
	"{created_year}",
	"{employee_type}",
}

// newReplacer 为单个员工构造一次性替换器；替换是单遍的，替换结果中的花括号不会被再次展开。
func newReplacer(emp Employee, now time.Time) *strings.Replacer {
	var createdDate, createdYear string
	if !emp.CreatedAt.IsZero() {
		createdDate = emp.CreatedAt.Format(dateLayout)
		createdYear = emp.CreatedAt.Format("2006")
	}

	return strings.NewReplacer(
		"{employee_id}", emp.EmployeeCode,
		"{full_name}", emp.FullName,
		"{first_name}", emp.FirstName(),
		"{last_name}", emp.LastName(),
		"{department}", emp.Department,
		"{position}", emp.Position,
		"{current_date}", now.Format(dateLayout),
		"{current_year}", now.Format("2006"),
		"{current_month}", now.Format("01"),
		"{created_date}", createdDate,
		"{created_year}", createdYear,
		"{employee_type}", emp.EmployeeType,
	)
}

// Substitute 将 content 中的占位符替换为员工字段。
func Substitute(content string, emp Employee, now time.Time) string {
	if !strings.Contains(content, "{") {
		return content
	}
	return newReplacer(emp, now).Replace(content)
}
