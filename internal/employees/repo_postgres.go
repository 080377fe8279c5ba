package employees

import (
	"context"
	"database/sql"

	"broadcast-platform/pkg/utils"
)

// Migrations creates the directory tables.
var Migrations = []utils.Migration{{
	Name: "0001_employees",
	SQL: `
CREATE TABLE IF NOT EXISTS departments (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS districts (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS employees (
  id            TEXT PRIMARY KEY,
  first_name    TEXT NOT NULL,
  last_name     TEXT NOT NULL,
  middle_name   TEXT NOT NULL DEFAULT '',
  phone_number  TEXT NOT NULL,
  department_id TEXT NOT NULL REFERENCES departments(id),
  district_id   TEXT NOT NULL REFERENCES districts(id),
  position      TEXT NOT NULL DEFAULT '',
  is_active     BOOLEAN NOT NULL DEFAULT TRUE,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS employees_department_idx ON employees (department_id);
CREATE INDEX IF NOT EXISTS employees_district_idx ON employees (district_id);
CREATE TABLE IF NOT EXISTS recipient_groups (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS recipient_group_members (
  group_id     TEXT NOT NULL REFERENCES recipient_groups(id) ON DELETE CASCADE,
  position     INT NOT NULL,
  employee_id  TEXT NOT NULL DEFAULT '',
  name         TEXT NOT NULL DEFAULT '',
  phone_number TEXT NOT NULL,
  PRIMARY KEY (group_id, position)
);
CREATE TABLE IF NOT EXISTS recipient_group_scopes (
  group_id TEXT NOT NULL REFERENCES recipient_groups(id) ON DELETE CASCADE,
  kind     TEXT NOT NULL CHECK (kind IN ('department', 'district')),
  scope_id TEXT NOT NULL,
  PRIMARY KEY (group_id, kind, scope_id)
);
`,
}}

// PostgresDirectory reads the directory tables.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const employeeColumns = `id, first_name, last_name, middle_name, phone_number, department_id, district_id, position, is_active, created_at, updated_at`

func (d *PostgresDirectory) EmployeesByIDs(ctx context.Context, ids []string) ([]Employee, error) {
	const q = `
SELECT ` + employeeColumns + `
FROM employees
WHERE id = ANY($1)
ORDER BY array_position($1, id)
`
	return d.queryEmployees(ctx, q, ids)
}

func (d *PostgresDirectory) EmployeesByDepartments(ctx context.Context, departmentIDs []string) ([]Employee, error) {
	const q = `
SELECT ` + employeeColumns + `
FROM employees
WHERE department_id = ANY($1)
ORDER BY array_position($1, department_id), last_name, first_name, id
`
	return d.queryEmployees(ctx, q, departmentIDs)
}

func (d *PostgresDirectory) EmployeesByDistricts(ctx context.Context, districtIDs []string) ([]Employee, error) {
	const q = `
SELECT ` + employeeColumns + `
FROM employees
WHERE district_id = ANY($1)
ORDER BY array_position($1, district_id), last_name, first_name, id
`
	return d.queryEmployees(ctx, q, districtIDs)
}

func (d *PostgresDirectory) queryEmployees(ctx context.Context, q string, keys []string) ([]Employee, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := d.db.QueryContext(ctx, q, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(
			&e.ID,
			&e.FirstName,
			&e.LastName,
			&e.MiddleName,
			&e.PhoneNumber,
			&e.DepartmentID,
			&e.DistrictID,
			&e.Position,
			&e.IsActive,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) GroupsByIDs(ctx context.Context, ids []string) ([]Group, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
SELECT id, name, type
FROM recipient_groups
WHERE id = ANY($1)
ORDER BY array_position($1, id)
`
	rows, err := d.db.QueryContext(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Type); err != nil {
			rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range groups {
		if err := d.loadGroupDetails(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (d *PostgresDirectory) loadGroupDetails(ctx context.Context, g *Group) error {
	const qm = `
SELECT employee_id, name, phone_number
FROM recipient_group_members
WHERE group_id = $1
ORDER BY position
`
	rows, err := d.db.QueryContext(ctx, qm, g.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.EmployeeID, &m.Name, &m.PhoneNumber); err != nil {
			rows.Close()
			return err
		}
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	const qs = `
SELECT kind, scope_id
FROM recipient_group_scopes
WHERE group_id = $1
ORDER BY kind, scope_id
`
	rows, err = d.db.QueryContext(ctx, qs, g.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return err
		}
		if kind == "department" {
			g.DepartmentIDs = append(g.DepartmentIDs, id)
		} else {
			g.DistrictIDs = append(g.DistrictIDs, id)
		}
	}
	return rows.Err()
}

// SaveEmployee upserts e.
func (d *PostgresDirectory) SaveEmployee(ctx context.Context, e Employee) error {
	const q = `
INSERT INTO employees (` + employeeColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  first_name = EXCLUDED.first_name,
  last_name = EXCLUDED.last_name,
  middle_name = EXCLUDED.middle_name,
  phone_number = EXCLUDED.phone_number,
  department_id = EXCLUDED.department_id,
  district_id = EXCLUDED.district_id,
  position = EXCLUDED.position,
  is_active = EXCLUDED.is_active,
  updated_at = EXCLUDED.updated_at
`
	_, err := d.db.ExecContext(ctx, q,
		e.ID, e.FirstName, e.LastName, e.MiddleName, e.PhoneNumber,
		e.DepartmentID, e.DistrictID, e.Position, e.IsActive, e.CreatedAt, e.UpdatedAt,
	)
	return err
}
