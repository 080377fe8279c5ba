package employees

import (
	"context"
	"fmt"
	"log/slog"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/phone"
)

// Target selects the people a broadcast goes to.
type Target struct {
	EmployeeIDs   []string `json:"employeeIds"`
	DepartmentIDs []string `json:"departmentIds"`
	DistrictIDs   []string `json:"districtIds"`
	GroupIDs      []string `json:"groupIds"`
}

func (t Target) Empty() bool {
	return len(t.EmployeeIDs) == 0 && len(t.DepartmentIDs) == 0 && len(t.DistrictIDs) == 0 && len(t.GroupIDs) == 0
}

// Resolver expands a Target into a deduplicated recipient list.
type Resolver struct {
	dir  Directory
	norm *phone.Normalizer
	log  *slog.Logger
}

func NewResolver(dir Directory, norm *phone.Normalizer, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{dir: dir, norm: norm, log: log}
}

// Resolve returns pending recipients in first-occurrence order over explicit
// employees, departments, districts and groups. A number reached through
// several routes appears once. Inactive employees and entries without a
// usable phone number are skipped.
func (r *Resolver) Resolve(ctx context.Context, t Target) ([]broadcast.Recipient, error) {
	if t.Empty() {
		return nil, apperr.Invalid("target", "at least one of employeeIds, departmentIds, districtIds, groupIds is required")
	}

	acc := &accumulator{norm: r.norm, log: r.log, seen: map[string]struct{}{}}

	if len(t.EmployeeIDs) > 0 {
		es, err := r.dir.EmployeesByIDs(ctx, t.EmployeeIDs)
		if err != nil {
			return nil, fmt.Errorf("employees: resolve ids: %w", err)
		}
		acc.addEmployees(es)
	}
	if len(t.DepartmentIDs) > 0 {
		es, err := r.dir.EmployeesByDepartments(ctx, t.DepartmentIDs)
		if err != nil {
			return nil, fmt.Errorf("employees: resolve departments: %w", err)
		}
		acc.addEmployees(es)
	}
	if len(t.DistrictIDs) > 0 {
		es, err := r.dir.EmployeesByDistricts(ctx, t.DistrictIDs)
		if err != nil {
			return nil, fmt.Errorf("employees: resolve districts: %w", err)
		}
		acc.addEmployees(es)
	}
	if len(t.GroupIDs) > 0 {
		groups, err := r.dir.GroupsByIDs(ctx, t.GroupIDs)
		if err != nil {
			return nil, fmt.Errorf("employees: resolve groups: %w", err)
		}
		for _, g := range groups {
			for _, m := range g.Members {
				acc.add(m.PhoneNumber, m.EmployeeID, m.Name)
			}
			if len(g.DepartmentIDs) > 0 {
				es, err := r.dir.EmployeesByDepartments(ctx, g.DepartmentIDs)
				if err != nil {
					return nil, fmt.Errorf("employees: resolve group %s: %w", g.ID, err)
				}
				acc.addEmployees(es)
			}
			if len(g.DistrictIDs) > 0 {
				es, err := r.dir.EmployeesByDistricts(ctx, g.DistrictIDs)
				if err != nil {
					return nil, fmt.Errorf("employees: resolve group %s: %w", g.ID, err)
				}
				acc.addEmployees(es)
			}
		}
	}
	return acc.out, nil
}

type accumulator struct {
	norm *phone.Normalizer
	log  *slog.Logger
	seen map[string]struct{}
	out  []broadcast.Recipient
}

func (a *accumulator) addEmployees(es []Employee) {
	for _, e := range es {
		if !e.IsActive {
			continue
		}
		a.add(e.PhoneNumber, e.ID, e.FullName())
	}
}

func (a *accumulator) add(raw, employeeID, name string) {
	p, err := a.norm.Normalize(raw)
	if err != nil {
		a.log.Warn("recipient skipped: unusable phone number", "employee_id", employeeID, "phone", raw)
		return
	}
	if _, dup := a.seen[p]; dup {
		return
	}
	a.seen[p] = struct{}{}
	a.out = append(a.out, broadcast.Recipient{
		PhoneNumber:  p,
		EmployeeID:   employeeID,
		EmployeeName: name,
		Status:       broadcast.RecipientPending,
	})
}
