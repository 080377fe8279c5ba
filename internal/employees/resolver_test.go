package employees

import (
	"context"
	"errors"
	"testing"
	"time"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/internal/phone"
	"broadcast-platform/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fixture(t *testing.T) (*MemoryDirectory, *phone.Normalizer) {
	t.Helper()
	n := phone.NewNormalizer("US")
	d := NewMemoryDirectory()
	add := func(id, first, last, ph, dep, dist string, active bool) {
		e, err := NewEmployee(Employee{ID: id, FirstName: first, LastName: last, PhoneNumber: ph, DepartmentID: dep, DistrictID: dist}, n, now)
		require.NoError(t, err)
		e.IsActive = active
		d.PutEmployee(e)
	}
	add("E1", "Ann", "Lee", "+1 202 456 1111", "D1", "R1", true)
	add("E2", "Bob", "Ray", "202-456-1112", "D1", "R2", true)
	add("E3", "Cid", "Fox", "+1 202 456 1113", "D2", "R2", true)
	add("E4", "Dee", "Orr", "+1 202 456 1114", "D2", "R1", false)
	return d, n
}

func TestResolve_EmployeeInsideDepartmentAppearsOnce(t *testing.T) {
	d, n := fixture(t)
	r := NewResolver(d, n, logger.Discard())

	got, err := r.Resolve(context.Background(), Target{DepartmentIDs: []string{"D1"}, EmployeeIDs: []string{"E1"}})
	require.NoError(t, err)

	var phones []string
	for _, rc := range got {
		phones = append(phones, rc.PhoneNumber)
	}
	assert.Equal(t, []string{"12024561111", "12024561112"}, phones)
	assert.Equal(t, "E1", got[0].EmployeeID)
	assert.Equal(t, "Lee Ann", got[0].EmployeeName)
}

func TestResolve_OrderAcrossSources(t *testing.T) {
	d, n := fixture(t)
	d.PutGroup(Group{
		ID:   "G1",
		Name: "Duty",
		Type: GroupCustom,
		Members: []GroupMember{
			{Name: "Front desk", PhoneNumber: "sip:1001@pbx.local"},
			{EmployeeID: "E2", Name: "Bob", PhoneNumber: "tel:+1-202-456-1112"},
		},
		DistrictIDs: []string{"R1"},
	})
	r := NewResolver(d, n, logger.Discard())

	got, err := r.Resolve(context.Background(), Target{
		EmployeeIDs:   []string{"E3"},
		DepartmentIDs: []string{"D1"},
		GroupIDs:      []string{"G1"},
	})
	require.NoError(t, err)

	var phones []string
	for _, rc := range got {
		phones = append(phones, rc.PhoneNumber)
	}
	// E4 is in R1 but inactive
	assert.Equal(t, []string{"12024561113", "12024561111", "12024561112", "1001"}, phones)
}

func TestResolve_SkipsInactiveAndUnusable(t *testing.T) {
	d, n := fixture(t)
	d.PutGroup(Group{ID: "G2", Type: GroupStatic, Members: []GroupMember{{Name: "nobody", PhoneNumber: "sip:@host"}}})
	r := NewResolver(d, n, logger.Discard())

	got, err := r.Resolve(context.Background(), Target{EmployeeIDs: []string{"E4", "missing"}, GroupIDs: []string{"G2"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve_EmptyTarget(t *testing.T) {
	d, n := fixture(t)
	r := NewResolver(d, n, logger.Discard())

	_, err := r.Resolve(context.Background(), Target{})
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
}

type failingDirectory struct{ *MemoryDirectory }

func (*failingDirectory) EmployeesByDistricts(context.Context, []string) ([]Employee, error) {
	return nil, errors.New("db down")
}

func TestResolve_DirectoryError(t *testing.T) {
	r := NewResolver(&failingDirectory{MemoryDirectory: NewMemoryDirectory()}, phone.NewNormalizer(""), logger.Discard())
	_, err := r.Resolve(context.Background(), Target{DistrictIDs: []string{"R1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestNewEmployeeValidation(t *testing.T) {
	n := phone.NewNormalizer("US")
	_, err := NewEmployee(Employee{FirstName: "A", LastName: "B", DepartmentID: "D", DistrictID: "R"}, n, now)
	require.Error(t, err, "phone is required")

	_, err = NewEmployee(Employee{LastName: "B", PhoneNumber: "1001", DepartmentID: "D", DistrictID: "R"}, n, now)
	require.Error(t, err)

	e, err := NewEmployee(Employee{FirstName: "A", LastName: "B", MiddleName: "C", PhoneNumber: "1001", DepartmentID: "D", DistrictID: "R"}, n, now)
	require.NoError(t, err)
	assert.Equal(t, "B A C", e.FullName())
	assert.True(t, e.IsActive)

	require.Error(t, e.SetPhone("no digits", n, now))
	assert.Equal(t, "1001", e.PhoneNumber)
}
