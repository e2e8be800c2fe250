package membership

// HealthReporter is an optional interface of a Membership reporting the
// detector's own health. Higher scores indicate degraded health; -1 means
// not started.
type HealthReporter interface {
    HealthScore() int
}
