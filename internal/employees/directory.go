package employees

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("employees: not found")

// Directory is the read side of the organisation structure the resolver
// expands targets against. Results keep a stable order.
type Directory interface {
	EmployeesByIDs(ctx context.Context, ids []string) ([]Employee, error)
	EmployeesByDepartments(ctx context.Context, departmentIDs []string) ([]Employee, error)
	EmployeesByDistricts(ctx context.Context, districtIDs []string) ([]Employee, error)
	GroupsByIDs(ctx context.Context, ids []string) ([]Group, error)
}

// MemoryDirectory keeps employees and groups in insertion order. Used in
// tests and the local profile.
type MemoryDirectory struct {
	mu        sync.RWMutex
	employees []Employee
	groups    []Group
}

func NewMemoryDirectory() *MemoryDirectory { return &MemoryDirectory{} }

func (d *MemoryDirectory) PutEmployee(e Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.employees {
		if d.employees[i].ID == e.ID {
			d.employees[i] = e
			return
		}
	}
	d.employees = append(d.employees, e)
}

func (d *MemoryDirectory) PutGroup(g Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.groups {
		if d.groups[i].ID == g.ID {
			d.groups[i] = g
			return
		}
	}
	d.groups = append(d.groups, g)
}

// EmployeesByIDs returns employees in the order of ids; unknown ids are skipped.
func (d *MemoryDirectory) EmployeesByIDs(ctx context.Context, ids []string) ([]Employee, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Employee, 0, len(ids))
	for _, id := range ids {
		for _, e := range d.employees {
			if e.ID == id {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (d *MemoryDirectory) EmployeesByDepartments(ctx context.Context, departmentIDs []string) ([]Employee, error) {
	return d.filter(ctx, departmentIDs, func(e Employee) string { return e.DepartmentID })
}

func (d *MemoryDirectory) EmployeesByDistricts(ctx context.Context, districtIDs []string) ([]Employee, error) {
	return d.filter(ctx, districtIDs, func(e Employee) string { return e.DistrictID })
}

func (d *MemoryDirectory) filter(ctx context.Context, keys []string, key func(Employee) string) ([]Employee, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Employee
	for _, k := range keys {
		for _, e := range d.employees {
			if key(e) == k {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (d *MemoryDirectory) GroupsByIDs(ctx context.Context, ids []string) ([]Group, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Group, 0, len(ids))
	for _, id := range ids {
		for _, g := range d.groups {
			if g.ID == id {
				out = append(out, g)
				break
			}
		}
	}
	return out, nil
}
