package trigger

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks running monitors for the admin API. Keys are
// "functionID:table"; the map is lock-free so status snapshots never
// contend with monitor startup or shutdown.
type Registry struct {
	monitors *xsync.MapOf[string, *ChangeMonitor]
}

// NewRegistry creates an empty monitor registry.
func NewRegistry() *Registry {
	return &Registry{
		monitors: xsync.NewMapOf[string, *ChangeMonitor](),
	}
}

func registryKey(m *ChangeMonitor) string {
	return m.functionID + ":" + m.meta.TableName
}

// Register adds a monitor. A later registration under the same key
// replaces the earlier entry.
func (r *Registry) Register(m *ChangeMonitor) {
	r.monitors.Store(registryKey(m), m)
}

// Unregister removes a monitor.
func (r *Registry) Unregister(m *ChangeMonitor) {
	r.monitors.Delete(registryKey(m))
}

// Snapshot returns the status of every registered monitor, ordered by
// table name for stable API output.
func (r *Registry) Snapshot() []MonitorStatus {
	var statuses []MonitorStatus
	r.monitors.Range(func(_ string, m *ChangeMonitor) bool {
		statuses = append(statuses, m.Status())
		return true
	})
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Table < statuses[j].Table })
	return statuses
}

// StopAll stops every registered monitor and returns their Done channels
// so callers can join.
func (r *Registry) StopAll() []<-chan struct{} {
	var done []<-chan struct{}
	r.monitors.Range(func(_ string, m *ChangeMonitor) bool {
		m.Stop()
		done = append(done, m.Done())
		return true
	})
	return done
}
