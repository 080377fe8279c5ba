package employees

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"broadcast-platform/internal/phone"

	"gopkg.in/yaml.v3"
)

type employeeEntry struct {
	ID           string `yaml:"id"`
	FirstName    string `yaml:"first_name"`
	LastName     string `yaml:"last_name"`
	MiddleName   string `yaml:"middle_name"`
	Phone        string `yaml:"phone"`
	DepartmentID string `yaml:"department_id"`
	DistrictID   string `yaml:"district_id"`
	Position     string `yaml:"position"`
	Active       *bool  `yaml:"active"`
}

type memberEntry struct {
	EmployeeID string `yaml:"employee_id"`
	Name       string `yaml:"name"`
	Phone      string `yaml:"phone"`
}

type groupEntry struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Type          GroupType     `yaml:"type"`
	Members       []memberEntry `yaml:"members"`
	DepartmentIDs []string      `yaml:"department_ids"`
	DistrictIDs   []string      `yaml:"district_ids"`
}

type directoryFile struct {
	Employees []employeeEntry `yaml:"employees"`
	Groups    []groupEntry    `yaml:"groups"`
}

// LoadFile builds a MemoryDirectory from a YAML file. It backs the local
// profile, which runs without Postgres.
func LoadFile(path string, n *phone.Normalizer, now time.Time) (*MemoryDirectory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("employees: read %s: %w", path, err)
	}
	return Parse(b, n, now)
}

// Parse validates every employee like NewEmployee does. Group member
// phones are kept raw; the resolver normalizes them.
func Parse(b []byte, n *phone.Normalizer, now time.Time) (*MemoryDirectory, error) {
	var f directoryFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("employees: parse: %w", err)
	}

	d := NewMemoryDirectory()
	seen := map[string]bool{}
	for i, e := range f.Employees {
		if e.ID == "" {
			return nil, fmt.Errorf("employees: entry %d: id is required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("employees: entry %d: duplicate id %s", i, e.ID)
		}
		seen[e.ID] = true
		emp, err := NewEmployee(Employee{
			ID:           e.ID,
			FirstName:    e.FirstName,
			LastName:     e.LastName,
			MiddleName:   e.MiddleName,
			PhoneNumber:  e.Phone,
			DepartmentID: e.DepartmentID,
			DistrictID:   e.DistrictID,
			Position:     e.Position,
		}, n, now)
		if err != nil {
			return nil, fmt.Errorf("employees: entry %d: %w", i, err)
		}
		if e.Active != nil {
			emp.IsActive = *e.Active
		}
		d.PutEmployee(emp)
	}

	for i, g := range f.Groups {
		if g.ID == "" {
			return nil, fmt.Errorf("employees: group %d: id is required", i)
		}
		if g.Type == "" {
			g.Type = GroupStatic
		}
		grp := Group{ID: g.ID, Name: g.Name, Type: g.Type, DepartmentIDs: g.DepartmentIDs, DistrictIDs: g.DistrictIDs}
		for _, m := range g.Members {
			grp.Members = append(grp.Members, GroupMember{EmployeeID: m.EmployeeID, Name: m.Name, PhoneNumber: m.Phone})
		}
		d.PutGroup(grp)
	}
	return d, nil
}
