package discovery

import (
	"sort"

	goset "github.com/deckarep/golang-set/v2"

	"svckit/registry"
)

// View is an immutable snapshot of the instances of one service.
//
// Instances are sorted by InstanceID. Neither the slice nor the instances it
// points to may be modified; Apply builds a new View instead.
type View struct {
	ServiceName string
	Instances   []*registry.ServiceInstance
	Version     uint64

	changed chan struct{}
}

// NewView builds a view from a listing. Instances of other services are
// ignored and duplicates keep the last entry.
func NewView(service string, instances []*registry.ServiceInstance, version uint64) *View {
	byID := make(map[string]*registry.ServiceInstance, len(instances))
	for _, instance := range instances {
		if instance == nil || instance.ServiceName != service {
			continue
		}
		byID[instance.InstanceID] = instance
	}
	sorted := make([]*registry.ServiceInstance, 0, len(byID))
	for _, instance := range byID {
		sorted = append(sorted, instance)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InstanceID < sorted[j].InstanceID })
	return &View{ServiceName: service, Instances: sorted, Version: version, changed: make(chan struct{})}
}

// Changed is closed once a newer view has been published in its place.
func (v *View) Changed() <-chan struct{} {
	return v.changed
}

// Len returns the number of instances.
func (v *View) Len() int {
	return len(v.Instances)
}

func (v *View) find(id string) (int, bool) {
	i := sort.Search(len(v.Instances), func(i int) bool { return v.Instances[i].InstanceID >= id })
	return i, i < len(v.Instances) && v.Instances[i].InstanceID == id
}

// Get returns the instance with the given id.
func (v *View) Get(id string) (*registry.ServiceInstance, bool) {
	if i, ok := v.find(id); ok {
		return v.Instances[i], true
	}
	return nil, false
}

// IDs returns the instance ids in order.
func (v *View) IDs() []string {
	ids := make([]string, len(v.Instances))
	for i, instance := range v.Instances {
		ids[i] = instance.InstanceID
	}
	return ids
}

// Apply returns the view that results from ev, with the version bumped by
// one. Events that change nothing (adding an identical record, removing an
// absent one, another service's event) return v itself.
func (v *View) Apply(ev registry.ChangeEvent) *View {
	if ev.Instance == nil || ev.Instance.ServiceName != v.ServiceName {
		return v
	}
	i, exists := v.find(ev.Instance.InstanceID)

	var instances []*registry.ServiceInstance
	switch ev.Type {
	case registry.Added:
		if exists && v.Instances[i].Equal(ev.Instance) {
			return v
		}
		instances = make([]*registry.ServiceInstance, 0, len(v.Instances)+1)
		instances = append(instances, v.Instances[:i]...)
		instances = append(instances, ev.Instance)
		if exists {
			i++
		}
		instances = append(instances, v.Instances[i:]...)
	case registry.Removed:
		if !exists {
			return v
		}
		instances = make([]*registry.ServiceInstance, 0, len(v.Instances)-1)
		instances = append(instances, v.Instances[:i]...)
		instances = append(instances, v.Instances[i+1:]...)
	default:
		return v
	}
	return &View{ServiceName: v.ServiceName, Instances: instances, Version: v.Version + 1, changed: make(chan struct{})}
}

// Reconcile returns the synthetic events that turn v into the listed set:
// removals of instances missing from the listing, then additions and
// updates, each group ordered by id.
func Reconcile(v *View, listed []*registry.ServiceInstance) []registry.ChangeEvent {
	want := make(map[string]*registry.ServiceInstance, len(listed))
	wantIDs := goset.NewThreadUnsafeSet[string]()
	for _, instance := range listed {
		if instance == nil || instance.ServiceName != v.ServiceName {
			continue
		}
		want[instance.InstanceID] = instance
		wantIDs.Add(instance.InstanceID)
	}
	haveIDs := goset.NewThreadUnsafeSet[string](v.IDs()...)

	gone := haveIDs.Difference(wantIDs).ToSlice()
	sort.Strings(gone)
	events := make([]registry.ChangeEvent, 0, len(gone))
	for _, id := range gone {
		current, _ := v.Get(id)
		events = append(events, registry.ChangeEvent{Type: registry.Removed, Instance: current})
	}

	present := wantIDs.ToSlice()
	sort.Strings(present)
	for _, id := range present {
		if current, ok := v.Get(id); ok && current.Equal(want[id]) {
			continue
		}
		events = append(events, registry.ChangeEvent{Type: registry.Added, Instance: want[id]})
	}
	return events
}
