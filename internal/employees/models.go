package employees

import (
	"strings"
	"time"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/internal/phone"

	"github.com/google/uuid"
)

type Employee struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	MiddleName   string    `json:"middleName,omitempty"`
	PhoneNumber  string    `json:"phoneNumber"`
	DepartmentID string    `json:"departmentId"`
	DistrictID   string    `json:"districtId"`
	Position     string    `json:"position,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// FullName renders "Last First Middle", skipping empty parts.
func (e Employee) FullName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{e.LastName, e.FirstName, e.MiddleName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// NewEmployee validates e and stores its phone in canonical form.
func NewEmployee(e Employee, n *phone.Normalizer, now time.Time) (Employee, error) {
	e.FirstName = strings.TrimSpace(e.FirstName)
	e.LastName = strings.TrimSpace(e.LastName)
	e.MiddleName = strings.TrimSpace(e.MiddleName)
	switch {
	case e.FirstName == "":
		return Employee{}, apperr.Invalid("firstName", "required")
	case e.LastName == "":
		return Employee{}, apperr.Invalid("lastName", "required")
	case strings.TrimSpace(e.DepartmentID) == "":
		return Employee{}, apperr.Invalid("departmentId", "required")
	case strings.TrimSpace(e.DistrictID) == "":
		return Employee{}, apperr.Invalid("districtId", "required")
	}
	if err := e.SetPhone(e.PhoneNumber, n, now); err != nil {
		return Employee{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.IsActive = true
	e.CreatedAt = now
	e.UpdatedAt = now
	return e, nil
}

// SetPhone validates and canonicalizes raw before storing it.
func (e *Employee) SetPhone(raw string, n *phone.Normalizer, now time.Time) error {
	p, err := n.Normalize(raw)
	if err != nil {
		return err
	}
	e.PhoneNumber = p
	e.UpdatedAt = now
	return nil
}

type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type District struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type GroupType string

const (
	GroupStatic     GroupType = "static"
	GroupDynamic    GroupType = "dynamic"
	GroupDepartment GroupType = "department"
	GroupDistrict   GroupType = "district"
	GroupCustom     GroupType = "custom"
)

type GroupMember struct {
	EmployeeID  string `json:"employeeId,omitempty"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phoneNumber"`
}

// Group is a named recipient list. Besides its explicit members it expands
// to every employee of its department and district ids.
type Group struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Type          GroupType     `json:"type"`
	Members       []GroupMember `json:"members"`
	DepartmentIDs []string      `json:"departmentIds,omitempty"`
	DistrictIDs   []string      `json:"districtIds,omitempty"`
}
