package worker

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/survey-platform/internal/filter"
	"github.com/ignite/survey-platform/internal/jobs"
	"github.com/ignite/survey-platform/internal/population"
)

// memSegments pages a fixed member list and records AddMembers calls.
type memSegments struct {
	members []population.Person
	added   map[uuid.UUID][]uuid.UUID
	pages   []int
}

func newMemSegments(members []population.Person) *memSegments {
	return &memSegments{members: members, added: make(map[uuid.UUID][]uuid.UUID)}
}

func (m *memSegments) PageMembers(_ context.Context, _ uuid.UUID, page, pageSize int) ([]population.Person, bool, error) {
	m.pages = append(m.pages, page)
	start := (page - 1) * pageSize
	if start >= len(m.members) {
		return nil, false, nil
	}
	end := start + pageSize
	hasNext := end < len(m.members)
	if end > len(m.members) {
		end = len(m.members)
	}
	return m.members[start:end], hasNext, nil
}

func (m *memSegments) AddMembers(_ context.Context, populationID uuid.UUID, personIDs []uuid.UUID) (int64, error) {
	m.added[populationID] = append(m.added[populationID], personIDs...)
	return int64(len(personIDs)), nil
}

func person(email, age string) population.Person {
	return population.Person{
		ID:           uuid.New(),
		Email:        email,
		CustomFields: map[string]string{"age": age},
	}
}

func ageFilter(op filter.Operator, value string) filter.Group {
	return filter.Group{Logic: filter.LogicAnd, Conditions: []filter.Node{
		filter.Cond(filter.Condition{Field: "age", Operator: op, Type: filter.TypeNumber, Value: filter.Value(value)}),
	}}
}

func TestSegmentationFiltersMatches(t *testing.T) {
	members := []population.Person{person("a@x.com", "20"), person("b@x.com", "30"), person("c@x.com", "40")}
	store := newMemSegments(members)
	dst := uuid.New()

	p := &jobs.SegmentationPayload{
		Filter:           ageFilter(filter.OpGt, "25"),
		FromPopulationID: uuid.New(),
		ToPopulationID:   dst,
		Total:            3,
	}
	err := NewSegmentationPipeline(store).Run(context.Background(), p, &memCheckpoint{})
	require.NoError(t, err)

	require.Len(t, store.added[dst], 2)
	assert.ElementsMatch(t, []uuid.UUID{members[1].ID, members[2].ID}, store.added[dst])
}

func TestSegmentationPagesThroughSource(t *testing.T) {
	var members []population.Person
	for i := 0; i < 2500; i++ {
		members = append(members, person("x@x.com", "30"))
	}
	store := newMemSegments(members)

	p := &jobs.SegmentationPayload{
		Filter:           ageFilter(filter.OpGt, "0"),
		FromPopulationID: uuid.New(),
		ToPopulationID:   uuid.New(),
		Total:            2500,
	}
	cp := &memCheckpoint{}
	require.NoError(t, NewSegmentationPipeline(store).Run(context.Background(), p, cp))

	// ceil(2500/1000) pages, visited in order.
	assert.Equal(t, []int{1, 2, 3}, store.pages)
	assert.Equal(t, 3, p.LastSuccessfulPage)
	assert.Len(t, store.added[p.ToPopulationID], 2500)

	for _, pct := range cp.progress {
		assert.LessOrEqual(t, pct, 99)
	}
}

func TestSegmentationResumesFromCheckpoint(t *testing.T) {
	var members []population.Person
	for i := 0; i < 2500; i++ {
		members = append(members, person("x@x.com", "30"))
	}
	store := newMemSegments(members)

	p := &jobs.SegmentationPayload{
		Filter:             ageFilter(filter.OpGt, "0"),
		FromPopulationID:   uuid.New(),
		ToPopulationID:     uuid.New(),
		Total:              2500,
		LastSuccessfulPage: 2,
	}
	require.NoError(t, NewSegmentationPipeline(store).Run(context.Background(), p, &memCheckpoint{}))

	assert.Equal(t, []int{3}, store.pages, "pages before the checkpoint are not revisited")
	assert.Len(t, store.added[p.ToPopulationID], 500)
}

func TestSegmentationEmptySource(t *testing.T) {
	store := newMemSegments(nil)
	p := &jobs.SegmentationPayload{
		Filter:           ageFilter(filter.OpGt, "0"),
		FromPopulationID: uuid.New(),
		ToPopulationID:   uuid.New(),
	}
	require.NoError(t, NewSegmentationPipeline(store).Run(context.Background(), p, &memCheckpoint{}))
	assert.Empty(t, store.added[p.ToPopulationID])
	assert.Equal(t, 1, p.LastSuccessfulPage)
}

func TestFilterFieldsShadowing(t *testing.T) {
	p := population.Person{
		Email:        "a@x.com",
		Name:         "Ann",
		CustomFields: map[string]string{"name": "override", "plan": "pro"},
	}
	fields := filterFields(&p)
	assert.Equal(t, "a@x.com", fields["email"])
	assert.Equal(t, "override", fields["name"], "custom fields win over fixed columns")
	assert.Equal(t, "pro", fields["plan"])
}
